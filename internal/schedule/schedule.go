// Package schedule fires the push cycle on a cron spec. One job, one
// schedule: a tick that lands while the previous cycle is still running is
// skipped, never queued, so cycles can never pile up behind a slow channel.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "courier/pkg/logx"
)

const (
	DefaultSpec         = "0 * * * *"
	DefaultCycleTimeout = 10 * time.Minute
)

// Config controls the daemon trigger.
type Config struct {
	Spec         string
	Timezone     string // IANA TZ, e.g. "Asia/Shanghai"
	CycleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = DefaultSpec
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	return c
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Check validates the parts plain config validation cannot: cron spec
// syntax and the IANA timezone. Used by the composed config validator so a
// bad reload is rejected before it reaches a running scheduler.
func Check(spec, timezone string) error {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSpec
	}
	if _, err := newParser().Parse(spec); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	if tz := strings.TrimSpace(timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	return nil
}

// Service owns the cron instance and the single-flight guard around the
// cycle runner.
type Service struct {
	log logx.Logger
	run func(ctx context.Context)

	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	entry   cron.EntryID
	baseCtx context.Context

	inFlight atomic.Bool
}

// New wires run as the job body. run receives a context bounded by
// CycleTimeout and must honor it.
func New(cfg Config, run func(ctx context.Context), log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		run:    run,
		cfg:    cfg.withDefaults(),
		parser: newParser(),
	}
}

// Start registers the job and starts the cron loop. ctx is the lifetime of
// the daemon; cancelling it aborts an in-flight cycle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(s.cfg.Spec, s.tick)
	if err != nil {
		return fmt.Errorf("schedule spec %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.c = c
	s.entry = id
	s.log.Info("scheduler started",
		logx.String("spec", s.cfg.Spec),
		logx.String("tz", loc.String()),
		logx.String("next", c.Entry(id).Next.Format(time.RFC3339)))
	return nil
}

// Stop halts the cron loop and waits for a running cycle to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Apply swaps the schedule on config reload. A changed spec or timezone
// restarts the cron instance; a changed timeout only affects the next tick.
// An unparsable spec is rejected without disturbing the running schedule.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := s.parser.Parse(cfg.Spec); err != nil {
		return fmt.Errorf("schedule spec %q: %w", cfg.Spec, err)
	}

	s.mu.Lock()
	restart := cfg.Spec != s.cfg.Spec || cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	c := s.c
	if c == nil || !restart {
		s.mu.Unlock()
		return nil
	}
	s.c = nil
	s.mu.Unlock()

	// Wait for an in-flight cycle outside the lock: tick briefly takes the
	// same mutex before running.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.baseCtx == nil || s.baseCtx.Err() != nil {
		// Restarted concurrently, or the daemon is shutting down.
		return nil
	}
	return s.startLocked()
}

// Next reports when the next cycle fires; zero when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) tick() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warn("previous cycle still running, skipping this tick")
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	base := s.baseCtx
	timeout := s.cfg.CycleTimeout
	s.mu.Unlock()
	if base == nil {
		return
	}

	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	s.run(ctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
