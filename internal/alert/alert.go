// Package alert notifies the operator when a push cycle fails. Alerts ride
// a spare delivery channel and are strictly best-effort: queue full, broken
// sender or duplicate alert all degrade to a log line, never to a blocked
// cycle.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/eventbus"
	"courier/internal/format"
	"courier/internal/runtime/supervisor"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerter stopped")
)

// Source resolves the alert channel to its live sender.
// *transport.Registry implements it.
type Source interface {
	Lookup(name string) (transport.Sender, bool)
}

type Config struct {
	Enabled     bool
	Channel     string
	MinInterval time.Duration // spacing between alert sends, default 30s
	DedupWindow time.Duration // identical-alert suppression, default 15m
	QueueSize   int           // default 16
	RetryMax    int           // transient retries per alert, default 2
}

type message struct {
	text string
	// dedupKey is computed at enqueue time so workers stay cheap.
	dedupKey string
}

// Service is the async alert pipeline: queue, one worker, rate limit,
// retry on transient failures, in-window dedup. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders Source
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan message
	sup      *supervisor.Supervisor
	unsub    func()
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until
}

func New(cfg Config, senders Source, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		senders: senders,
		bus:     bus,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	} else if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 15 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}

	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	} else {
		s.limiter.SetLimit(rate.Every(cfg.MinInterval))
	}
}

// Start is idempotent and a no-op while disabled. The worker and the bus
// listener run under their own supervisor so an alert failure can never
// take the daemon down.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "alerts"))),
		supervisor.WithCancelOnError(false))
	sup := s.sup
	q := s.queue
	channel := s.cfg.Channel

	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(16)
	}
	s.mu.Unlock()

	if events != nil {
		ev := events
		sup.GoRestart("bus.listen", func(c context.Context) error {
			s.listenLoop(c, ev)
			if s.stopping() || c.Err() != nil {
				return nil
			}
			return errors.New("alert bus listener exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}

	sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		if s.stopping() || c.Err() != nil {
			return nil
		}
		return errors.New("alert worker exited unexpectedly")
	}, supervisor.WithPublishFirstError(true))

	s.log.Info("alerter started", logx.String("channel", channel))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	st := s.stopDone != nil
	s.mu.Unlock()
	return st
}

// Stop halts intake and drains queued alerts best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		if unsub != nil {
			unsub()
		}
		// Wait for in-flight enqueues before closing so Notify never sends
		// on a closed channel.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.unsub = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("alerter stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues one operator alert. Duplicate texts inside the dedup
// window are silently suppressed.
func (s *Service) Notify(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.enqueue(ctx, message{text: text, dedupKey: hashKey("notify|" + text)})
}

func (s *Service) enqueue(ctx context.Context, m message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && m.dedupKey != "" && !s.dedupAllow(m.dedupKey, window) {
		s.log.Debug("alert suppressed by dedup window", logx.String("key", m.dedupKey))
		return nil
	}

	select {
	case q <- m:
		return nil
	default:
		s.log.Warn("alert queue full, dropping alert")
		return ErrQueueFull
	}
}

func (s *Service) listenLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.EventCycleFinished {
				continue
			}
			d, ok := e.Data.(eventbus.CycleData)
			if !ok || d.Success {
				continue
			}
			if err := s.enqueue(ctx, cycleFailedMessage(d)); err != nil &&
				!errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
				s.log.Debug("cycle failure alert dropped", logx.Err(err))
			}
		}
	}
}

// cycleFailedMessage keys on the failure detail, not the cycle id, so the
// same underlying outage alerts once per window instead of once per cycle.
func cycleFailedMessage(d eventbus.CycleData) message {
	detail := d.Detail
	if detail == "" {
		detail = "no channel accepted the digest"
	}
	return message{
		text:     fmt.Sprintf("digest delivery failed\ncycle: %s\ndetail: %s", d.CycleID, detail),
		dedupKey: hashKey("cycle.failed|" + detail),
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, m)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	senders := s.senders
	s.mu.Unlock()

	if senders == nil {
		return
	}
	sender, ok := senders.Lookup(cfg.Channel)
	if !ok {
		s.log.Warn("alert channel unavailable, dropping alert",
			logx.String("channel", cfg.Channel))
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		att := sender.Send(ctx, format.Block{Text: m.text})
		switch att.Outcome {
		case transport.OutcomeSuccess:
			s.log.Debug("alert delivered", logx.String("channel", cfg.Channel))
			return
		case transport.OutcomePermanent:
			// Retrying a permanent rejection cannot help.
			s.log.Warn("alert rejected",
				logx.String("channel", cfg.Channel), logx.Err(att.Err))
			return
		}

		s.log.Debug("alert send failed",
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(att.Err))
		if attempt >= maxAttempts {
			s.log.Warn("alert given up after retries",
				logx.String("channel", cfg.Channel), logx.Err(att.Err))
			return
		}

		t := time.NewTimer(retryDelay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}

// dedupAllow reports whether an alert with this key may go out, and if so
// opens a new suppression window for it.
func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func hashKey(raw string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(raw))
	return fmt.Sprintf("%x", h.Sum64())
}

// retryDelay is exponential from 500ms capped at 10s, with 0.7..1.3 jitter.
func retryDelay(attempt int) time.Duration {
	const (
		base = 500 * time.Millisecond
		max  = 10 * time.Second
	)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > max {
		d = max
	}
	return d
}
