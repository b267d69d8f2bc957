package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "courier/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files under the configured directory:
//   - results.jsonl       (append-only results log, one cycle per line)
//   - dedup.snapshot.json (periodic snapshot of live records)
//   - dedup.journal.jsonl (append-only journal, replayed over the snapshot)
//
// The journal is compacted into the snapshot after each purge and every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	resultsFile *os.File
	lastResult  *CycleResult
	resultCount int64

	snapshotPath string
	journalFile  *os.File
	dedup        map[string]DedupRecord

	journalWrites int
}

const compactEvery = 1000

// journalEntry is one dedup mutation. Deleted entries are tombstones so a
// replayed journal reproduces DeleteDedup calls too.
type journalEntry struct {
	Fingerprint string `json:"fp"`
	FirstSeenMS int64  `json:"first_seen,omitempty"`
	ExpiresMS   int64  `json:"expires,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	resultsPath := filepath.Join(dir, "results.jsonl")
	snapPath := filepath.Join(dir, "dedup.snapshot.json")
	journalPath := filepath.Join(dir, "dedup.journal.jsonl")

	rf, err := os.OpenFile(resultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	last, count := loadResultsTail(resultsPath)

	// Load dedup from snapshot + journal.
	dedup := map[string]DedupRecord{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		resultsFile:  rf,
		lastResult:   last,
		resultCount:  count,
		snapshotPath: snapPath,
		journalFile:  jf,
		dedup:        dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.resultsFile != nil {
		err1 = s.resultsFile.Close()
		s.resultsFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetDedup(ctx context.Context, fingerprint string) (DedupRecord, bool, error) {
	_ = ctx
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return DedupRecord{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[fingerprint]
	if !ok {
		return DedupRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	_ = ctx
	rec.Fingerprint = strings.TrimSpace(rec.Fingerprint)
	if rec.Fingerprint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dedup journal closed")
	}
	// A live record wins: re-recording must not move first_seen_at.
	if prev, ok := s.dedup[rec.Fingerprint]; ok && prev.Live(rec.FirstSeenAt) {
		return nil
	}
	s.dedup[rec.Fingerprint] = rec
	return s.appendJournalLocked(journalEntry{
		Fingerprint: rec.Fingerprint,
		FirstSeenMS: rec.FirstSeenAt.UnixMilli(),
		ExpiresMS:   rec.ExpiresAt.UnixMilli(),
	})
}

func (s *fileStore) DeleteDedup(ctx context.Context, fingerprint string) (bool, error) {
	_ = ctx
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, errors.New("dedup journal closed")
	}
	if _, ok := s.dedup[fingerprint]; !ok {
		return false, nil
	}
	delete(s.dedup, fingerprint)
	return true, s.appendJournalLocked(journalEntry{Fingerprint: fingerprint, Deleted: true})
}

func (s *fileStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for fp, rec := range s.dedup {
		if !rec.Live(now) {
			delete(s.dedup, fp)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	// Purge is a once-per-cycle event; fold the journal into the snapshot
	// here so it never accumulates more than a cycle's worth of writes.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("dedup compact failed", logx.Any("err", err))
	}
	return n, nil
}

func (s *fileStore) AppendResult(ctx context.Context, res CycleResult) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultsFile == nil {
		return errors.New("results log closed")
	}
	if err := json.NewEncoder(s.resultsFile).Encode(res); err != nil {
		return err
	}
	// Results must survive a crash right after the cycle ends.
	if err := s.resultsFile.Sync(); err != nil {
		return err
	}
	s.lastResult = &res
	s.resultCount++
	return nil
}

func (s *fileStore) LastResult(ctx context.Context) (CycleResult, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return CycleResult{}, false, nil
	}
	return *s.lastResult, true, nil
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		DedupRecords: int64(len(s.dedup)),
		Results:      s.resultCount,
	}, nil
}

func (s *fileStore) appendJournalLocked(e journalEntry) error {
	if err := json.NewEncoder(s.journalFile).Encode(e); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]DedupRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]DedupRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]DedupRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Fingerprint == "" {
			continue
		}
		if e.Deleted {
			delete(out, e.Fingerprint)
			continue
		}
		out[e.Fingerprint] = DedupRecord{
			Fingerprint: e.Fingerprint,
			FirstSeenAt: time.UnixMilli(e.FirstSeenMS),
			ExpiresAt:   time.UnixMilli(e.ExpiresMS),
		}
	}
	return sc.Err()
}

// loadResultsTail returns the last decodable result line and the line count.
func loadResultsTail(path string) (*CycleResult, int64) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var (
		last  *CycleResult
		count int64
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var res CycleResult
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		count++
		r := res
		last = &r
	}
	return last, count
}
