package delivery

import (
	"context"
	"strings"
	"time"

	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// Dedup wraps the store with the coordinator's failure policy: reads fail
// open (a broken store never suppresses a digest), writes fail closed (an
// unrecorded item simply re-sends next cycle).
type Dedup struct {
	store storage.Store
	log   logx.Logger
}

func NewDedup(store storage.Store, log logx.Logger) *Dedup {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dedup{store: store, log: log}
}

// IsDuplicate reports whether fingerprint has a live record. Store errors
// report false so the item is delivered anyway.
func (d *Dedup) IsDuplicate(ctx context.Context, fingerprint string, now time.Time) bool {
	if strings.TrimSpace(fingerprint) == "" {
		return false
	}
	rec, found, err := d.store.GetDedup(ctx, fingerprint)
	if err != nil {
		d.log.Warn("dedup lookup failed, treating as new",
			logx.String("fingerprint", fingerprint), logx.Err(err))
		return false
	}
	return found && rec.Live(now)
}

// Record marks fingerprint as delivered for the retention window. The
// store never moves first_seen_at of a record that is still live.
func (d *Dedup) Record(ctx context.Context, fingerprint string, now time.Time, retention time.Duration) error {
	if strings.TrimSpace(fingerprint) == "" {
		return nil
	}
	return d.store.PutDedup(ctx, storage.DedupRecord{
		Fingerprint: fingerprint,
		FirstSeenAt: now,
		ExpiresAt:   now.Add(retention),
	})
}

// Purge drops expired records.
func (d *Dedup) Purge(ctx context.Context, now time.Time) (int64, error) {
	return d.store.PurgeExpired(ctx, now)
}

// Forget removes one record so its item becomes deliverable again.
func (d *Dedup) Forget(ctx context.Context, fingerprint string) (bool, error) {
	return d.store.DeleteDedup(ctx, fingerprint)
}
