package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal);
//     Path is a directory
//   - "sqlite": SQLite database file (optional build tag); Path is the
//     database file
//
// An empty Driver defaults to "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DedupRecord marks a fingerprint as already pushed. The record suppresses
// re-delivery until ExpiresAt; no two live records share a fingerprint.
type DedupRecord struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Live reports whether the record still suppresses re-delivery at now.
func (r DedupRecord) Live(now time.Time) bool { return r.ExpiresAt.After(now) }

// Attempt is the persisted form of one block send.
type Attempt struct {
	Channel     string    `json:"channel"`
	BlockIndex  int       `json:"block_index"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Outcome     string    `json:"outcome"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// CycleResult aggregates one push cycle. It is appended to the results log
// after the cycle terminates, success or not, and the log is keyed by
// StartedAt so operators can line results up with the schedule.
type CycleResult struct {
	CycleID        string    `json:"cycle_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ChannelUsed    string    `json:"channel_used"` // primary | backup | none
	TotalBlocks    int       `json:"total_blocks"`
	Candidates     int       `json:"candidates"`
	Sent           int       `json:"sent"`
	Attempts       []Attempt `json:"attempts,omitempty"`
	OverallSuccess bool      `json:"overall_success"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
}

// Stats is a compact operational summary for the status surface.
type Stats struct {
	DedupRecords int64
	Results      int64
}
