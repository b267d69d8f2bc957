package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "courier/pkg/logx"
)

// Store is the persistence API the delivery pipeline runs on: dedup
// fingerprints with expiry plus the append-only results log. Both survive
// process restart; no cycle state lives anywhere else.
type Store interface {
	// GetDedup returns the record for a fingerprint. found is true when a
	// record exists at all; callers decide liveness via DedupRecord.Live.
	GetDedup(ctx context.Context, fingerprint string) (rec DedupRecord, found bool, err error)

	// PutDedup creates the record if none exists or the existing one has
	// expired. A live record is left untouched: first_seen_at is never
	// overwritten.
	PutDedup(ctx context.Context, rec DedupRecord) error

	// DeleteDedup removes a record regardless of expiry (operator
	// force-reconcile). found reports whether anything was removed.
	DeleteDedup(ctx context.Context, fingerprint string) (found bool, err error)

	// PurgeExpired removes every record with expires_at < now and returns
	// how many were dropped.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	AppendResult(ctx context.Context, res CycleResult) error
	LastResult(ctx context.Context) (res CycleResult, found bool, err error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store. An empty driver defaults to the
// file backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
