//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	logx "courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// qb builds statements with ? placeholders, which is what modernc's driver
// expects.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetDedup(ctx context.Context, fingerprint string) (DedupRecord, bool, error) {
	if s == nil || s.db == nil {
		return DedupRecord{}, false, ErrDisabled
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return DedupRecord{}, false, nil
	}
	query, args, err := qb.Select("first_seen_at", "expires_at").
		From("dedup").
		Where(sq.Eq{"fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return DedupRecord{}, false, err
	}
	var firstMS, expMS int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&firstMS, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return DedupRecord{}, false, nil
	}
	if err != nil {
		return DedupRecord{}, false, err
	}
	return DedupRecord{
		Fingerprint: fingerprint,
		FirstSeenAt: time.UnixMilli(firstMS),
		ExpiresAt:   time.UnixMilli(expMS),
	}, true, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec.Fingerprint = strings.TrimSpace(rec.Fingerprint)
	if rec.Fingerprint == "" {
		return nil
	}
	// An expired row a purge has not reaped yet must not block re-recording,
	// but a live row keeps its original first_seen_at.
	query, args, err := qb.Insert("dedup").
		Columns("fingerprint", "first_seen_at", "expires_at").
		Values(rec.Fingerprint, rec.FirstSeenAt.UnixMilli(), rec.ExpiresAt.UnixMilli()).
		Suffix(`ON CONFLICT(fingerprint) DO UPDATE SET
			first_seen_at=excluded.first_seen_at,
			expires_at=excluded.expires_at
			WHERE dedup.expires_at <= excluded.first_seen_at`).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) DeleteDedup(ctx context.Context, fingerprint string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, nil
	}
	query, args, err := qb.Delete("dedup").
		Where(sq.Eq{"fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	query, args, err := qb.Delete("dedup").
		Where(sq.LtOrEq{"expires_at": now.UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendResult(ctx context.Context, res CycleResult) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var attempts any
	if len(res.Attempts) > 0 {
		b, err := json.Marshal(res.Attempts)
		if err != nil {
			return err
		}
		attempts = string(b)
	}
	query, args, err := qb.Insert("results").
		Columns("cycle_id", "started_at", "finished_at", "channel_used",
			"total_blocks", "candidates", "sent", "attempts",
			"overall_success", "error_detail").
		Values(res.CycleID, res.StartedAt.UnixMilli(), res.FinishedAt.UnixMilli(),
			res.ChannelUsed, res.TotalBlocks, res.Candidates, res.Sent,
			attempts, res.OverallSuccess, nullStr(res.ErrorDetail)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) LastResult(ctx context.Context) (CycleResult, bool, error) {
	if s == nil || s.db == nil {
		return CycleResult{}, false, ErrDisabled
	}
	query, args, err := qb.Select("cycle_id", "started_at", "finished_at", "channel_used",
		"total_blocks", "candidates", "sent", "attempts",
		"overall_success", "error_detail").
		From("results").
		OrderBy("started_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return CycleResult{}, false, err
	}
	var (
		res              CycleResult
		startMS, finMS   int64
		attempts, detail sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&res.CycleID, &startMS, &finMS, &res.ChannelUsed,
		&res.TotalBlocks, &res.Candidates, &res.Sent, &attempts,
		&res.OverallSuccess, &detail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CycleResult{}, false, nil
	}
	if err != nil {
		return CycleResult{}, false, err
	}
	res.StartedAt = time.UnixMilli(startMS)
	res.FinishedAt = time.UnixMilli(finMS)
	res.ErrorDetail = detail.String
	if attempts.Valid && attempts.String != "" {
		if err := json.Unmarshal([]byte(attempts.String), &res.Attempts); err != nil {
			s.log.Debug("undecodable attempts column", logx.String("cycle_id", res.CycleID))
		}
	}
	return res, true, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrDisabled
	}
	var st Stats
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"dedup", &st.DedupRecords},
		{"results", &st.Results},
	} {
		query, args, err := qb.Select("COUNT(*)").From(q.table).ToSql()
		if err != nil {
			return Stats{}, err
		}
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(q.dst); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
