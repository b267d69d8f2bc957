// Package feed reads candidate items from the spool directory collectors
// drop JSON files into. The spool is the in-repo Producer: Collect parses
// and normalizes everything present, Commit archives what a successful
// cycle consumed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"courier/internal/config"
	"courier/internal/content"
	logx "courier/pkg/logx"
)

// doneDirName is where consumed spool files go when keep_done is set.
const doneDirName = "done"

// Spool reads *.json documents from a drop directory. A document is either
// a JSON array of items or an object {"items": [...]}. Invalid items and
// malformed files are skipped with a log line, never fatal: one broken
// collector must not take the digest down.
type Spool struct {
	log logx.Logger

	mu       sync.Mutex
	dir      string
	keepDone bool
	consumed []string
}

func NewSpool(cfg config.FeedConfig, log logx.Logger) *Spool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Spool{log: log, dir: cfg.Dir, keepDone: cfg.KeepDone}
}

// Apply swaps the spool settings on config reload. Files consumed under
// the old directory are still committed there.
func (s *Spool) Apply(cfg config.FeedConfig) {
	s.mu.Lock()
	s.dir = cfg.Dir
	s.keepDone = cfg.KeepDone
	s.mu.Unlock()
}

// Collect returns every valid item currently in the spool, in file name
// order, and remembers which files it consumed for Commit. A missing or
// unconfigured directory yields zero items.
func (s *Spool) Collect(ctx context.Context) ([]content.Item, error) {
	s.mu.Lock()
	dir := s.dir
	s.consumed = nil
	s.mu.Unlock()

	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("spool directory absent", logx.String("dir", dir))
			return nil, nil
		}
		return nil, fmt.Errorf("read spool %s: %w", dir, err)
	}

	var (
		items    []content.Item
		consumed []string
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		parsed, err := readFile(path)
		if err != nil {
			// Left in place so the operator can inspect or remove it.
			s.log.Warn("skipping malformed spool file",
				logx.String("file", name), logx.Err(err))
			continue
		}
		for _, it := range parsed {
			it = it.Normalize()
			if err := it.Validate(); err != nil {
				s.log.Warn("skipping invalid item",
					logx.String("file", name), logx.Err(err))
				continue
			}
			items = append(items, it)
		}
		consumed = append(consumed, path)
	}

	s.mu.Lock()
	s.consumed = consumed
	s.mu.Unlock()

	if len(consumed) > 0 {
		s.log.Debug("spool collected",
			logx.Int("files", len(consumed)), logx.Int("items", len(items)))
	}
	return items, nil
}

// Commit archives or deletes the files the last Collect consumed. Called
// only after the cycle succeeded; a file that fails to move stays in the
// spool and the dedup store suppresses its items next cycle.
func (s *Spool) Commit(ctx context.Context) error {
	s.mu.Lock()
	paths := s.consumed
	dir, keepDone := s.dir, s.keepDone
	s.consumed = nil
	s.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}

	var doneDir string
	if keepDone {
		doneDir = filepath.Join(dir, doneDirName)
		if err := os.MkdirAll(doneDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", doneDir, err)
		}
	}

	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var err error
		if keepDone {
			err = archive(path, doneDir)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
	}
	return errors.Join(errs...)
}

// archive moves path into doneDir, prefixing a nanosecond timestamp when a
// file of the same name was archived before.
func archive(path, doneDir string) error {
	target := filepath.Join(doneDir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(doneDir,
			fmt.Sprintf("%d.%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	return os.Rename(path, target)
}

// readFile parses one spool document. Both shapes are accepted so simple
// collectors can dump a bare array while richer ones wrap it.
func readFile(path string) ([]content.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func decode(raw []byte) ([]content.Item, error) {
	trimmed := bytes.TrimLeftFunc(raw, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	if trimmed[0] == '[' {
		var items []content.Item
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var doc struct {
		Items []content.Item `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc.Items == nil {
		return nil, errors.New("document has no items field")
	}
	return doc.Items, nil
}
