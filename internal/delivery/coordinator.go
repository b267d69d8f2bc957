// Package delivery runs push cycles: filter candidates against the dedup
// store, format survivors into blocks, push them through the primary
// channel with the backup as a full-restart fallback, and persist the
// outcome.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/content"
	"courier/internal/eventbus"
	"courier/internal/format"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// ChannelUsed values persisted in the cycle result.
const (
	ChannelPrimary = "primary"
	ChannelBackup  = "backup"
	ChannelNone    = "none"
)

// Producer hands the coordinator this cycle's candidate items. Commit is
// called only after a successful cycle, so the items of a failed one are
// offered again next time.
type Producer interface {
	Collect(ctx context.Context) ([]content.Item, error)
	Commit(ctx context.Context) error
}

// SenderSource resolves a channel name to its live sender.
// *transport.Registry implements it.
type SenderSource interface {
	Lookup(name string) (transport.Sender, bool)
}

// Options is the per-cycle tuning. The zero value gets sane defaults.
type Options struct {
	Primary   string
	Backup    string
	Retention time.Duration  // dedup window, default 168h
	SendRate  time.Duration  // min interval between block sends, default 1s
	Format    format.Options // block size and truncation marker
}

func (o *Options) normalize() {
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.SendRate <= 0 {
		o.SendRate = time.Second
	}
}

// Coordinator runs one push cycle at a time. It never parallelizes sends:
// block order in channel transcripts must match content priority order,
// and partial-failure detection stays deterministic.
type Coordinator struct {
	log      logx.Logger
	store    storage.Store
	dedup    *Dedup
	senders  SenderSource
	producer Producer
	bus      eventbus.Bus

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter
}

func New(opts Options, producer Producer, senders SenderSource, store storage.Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.normalize()
	return &Coordinator{
		log:      log,
		store:    store,
		dedup:    NewDedup(store, log),
		senders:  senders,
		producer: producer,
		bus:      bus,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.SendRate), 1),
	}
}

// Apply swaps the tuning for subsequent cycles.
func (c *Coordinator) Apply(opts Options) {
	opts.normalize()
	c.mu.Lock()
	c.opts = opts
	c.limiter.SetLimit(rate.Every(opts.SendRate))
	c.mu.Unlock()
}

func (c *Coordinator) options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Dedup exposes the dedup facade for the reconcile command.
func (c *Coordinator) Dedup() *Dedup { return c.dedup }

// RunCycle executes one push cycle and persists its result. Delivery
// failures are reported inside the result; the returned error covers only
// the result persist itself. A panic anywhere in the cycle body becomes a
// failed result, never an escaping fault.
func (c *Coordinator) RunCycle(ctx context.Context) (storage.CycleResult, error) {
	res := storage.CycleResult{
		CycleID:     uuid.NewString(),
		StartedAt:   time.Now(),
		ChannelUsed: ChannelNone,
	}
	log := c.log.With(logx.String("cycle_id", res.CycleID))
	log.Info("cycle started")
	c.publish(eventbus.EventCycleStarted, eventbus.CycleData{CycleID: res.CycleID})

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("cycle panicked", logx.Any("panic", r))
				res.OverallSuccess = false
				res.ChannelUsed = ChannelNone
				res.ErrorDetail = fmt.Sprintf("panic: %v", r)
			}
		}()
		c.run(ctx, log, &res)
	}()

	res.FinishedAt = time.Now()
	log.Info("cycle finished",
		logx.Bool("success", res.OverallSuccess),
		logx.String("channel", res.ChannelUsed),
		logx.Int("candidates", res.Candidates),
		logx.Int("sent", res.Sent),
		logx.Int("blocks", res.TotalBlocks),
		logx.Duration("took", res.FinishedAt.Sub(res.StartedAt)))

	var persistErr error
	if err := c.store.AppendResult(ctx, res); err != nil {
		log.Error("persist cycle result", logx.Err(err))
		persistErr = fmt.Errorf("persist cycle result: %w", err)
	}

	c.publish(eventbus.EventCycleFinished, eventbus.CycleData{
		CycleID: res.CycleID,
		Success: res.OverallSuccess,
		Channel: res.ChannelUsed,
		Sent:    res.Sent,
		Detail:  res.ErrorDetail,
	})
	return res, persistErr
}

func (c *Coordinator) run(ctx context.Context, log logx.Logger, res *storage.CycleResult) {
	opts := c.options()
	now := time.Now()

	// Purge before filtering so an expired row cannot shadow today's item.
	if n, err := c.dedup.Purge(ctx, now); err != nil {
		log.Warn("dedup purge failed", logx.Err(err))
	} else if n > 0 {
		log.Debug("expired dedup records purged", logx.Int64("count", n))
	}

	items, err := c.producer.Collect(ctx)
	if err != nil {
		res.ErrorDetail = fmt.Sprintf("collect candidates: %v", err)
		log.Error("collect candidates", logx.Err(err))
		return
	}
	res.Candidates = len(items)

	fresh := make([]content.Item, 0, len(items))
	for _, it := range items {
		if c.dedup.IsDuplicate(ctx, it.ID, now) {
			log.Debug("duplicate dropped", logx.String("fingerprint", it.ID))
			continue
		}
		fresh = append(fresh, it)
	}

	// Nothing to send is not a failure: the spool was empty or everything
	// was already delivered.
	if len(fresh) == 0 {
		res.OverallSuccess = true
		log.Info("nothing to deliver", logx.Int("candidates", res.Candidates))
		c.commit(ctx, log)
		return
	}

	blocks := format.Format(fresh, opts.Format)
	res.TotalBlocks = len(blocks)
	log.Info("candidates formatted",
		logx.Int("fresh", len(fresh)), logx.Int("blocks", len(blocks)))

	attempts, ok := c.sendAll(ctx, log, opts.Primary, blocks)
	res.Attempts = append(res.Attempts, attempts...)
	channel := ChannelPrimary

	if !ok && opts.Backup != "" {
		log.Warn("primary channel failed, restarting sequence on backup",
			logx.String("primary", opts.Primary), logx.String("backup", opts.Backup))
		attempts, ok = c.sendAll(ctx, log, opts.Backup, blocks)
		res.Attempts = append(res.Attempts, attempts...)
		channel = ChannelBackup
	}

	if !ok {
		res.OverallSuccess = false
		res.ChannelUsed = ChannelNone
		res.ErrorDetail = lastAttemptError(res.Attempts)
		return
	}

	res.OverallSuccess = true
	res.ChannelUsed = channel
	res.Sent = len(fresh)

	// Record what went out. A failed write is logged and noted, never
	// un-sends the digest; the worst case is one repeat next cycle.
	var unrecorded int
	for _, it := range fresh {
		if err := c.dedup.Record(ctx, it.ID, now, opts.Retention); err != nil {
			unrecorded++
			log.Error("record fingerprint",
				logx.String("fingerprint", it.ID), logx.Err(err))
		}
	}
	if unrecorded > 0 {
		res.ErrorDetail = fmt.Sprintf("%d of %d fingerprints not recorded", unrecorded, len(fresh))
	}

	c.commit(ctx, log)
}

// sendAll pushes every block in order through the named channel, pacing
// with the shared limiter, and stops at the first non-success attempt.
func (c *Coordinator) sendAll(ctx context.Context, log logx.Logger, name string, blocks []format.Block) ([]storage.Attempt, bool) {
	sender, ok := c.senders.Lookup(name)
	if !ok {
		// Unknown channel or a section that failed to build. Synthesize a
		// permanent attempt so the transcript records why nothing went out.
		log.Error("channel unavailable", logx.String("channel", name))
		return []storage.Attempt{{
			Channel:     name,
			StartedAt:   time.Now(),
			Outcome:     string(transport.OutcomePermanent),
			ErrorDetail: "channel unavailable: no sender configured",
		}}, false
	}

	out := make([]storage.Attempt, 0, len(blocks))
	for _, b := range blocks {
		if err := c.limiter.Wait(ctx); err != nil {
			out = append(out, storage.Attempt{
				Channel:     name,
				BlockIndex:  b.Index,
				StartedAt:   time.Now(),
				Outcome:     string(transport.OutcomeTransient),
				ErrorDetail: fmt.Sprintf("send pacing aborted: %v", err),
			})
			return out, false
		}
		att := sender.Send(ctx, b)
		out = append(out, toStored(att))
		if !att.Success() {
			log.Warn("block send failed",
				logx.String("channel", name),
				logx.Int("block", b.Index),
				logx.String("outcome", string(att.Outcome)),
				logx.Err(att.Err))
			return out, false
		}
		log.Debug("block delivered",
			logx.String("channel", name),
			logx.Int("block", b.Index),
			logx.Duration("took", att.Duration))
	}
	return out, true
}

func (c *Coordinator) commit(ctx context.Context, log logx.Logger) {
	if err := c.producer.Commit(ctx); err != nil {
		log.Warn("archive consumed feed files", logx.Err(err))
	}
}

func (c *Coordinator) publish(typ string, data eventbus.CycleData) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func toStored(a transport.Attempt) storage.Attempt {
	return storage.Attempt{
		Channel:     a.Channel,
		BlockIndex:  a.BlockIndex,
		StartedAt:   a.StartedAt,
		DurationMS:  a.Duration.Milliseconds(),
		Outcome:     string(a.Outcome),
		ErrorDetail: a.ErrorDetail(),
	}
}

func lastAttemptError(attempts []storage.Attempt) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Outcome != string(transport.OutcomeSuccess) {
			if attempts[i].ErrorDetail != "" {
				return fmt.Sprintf("%s: %s", attempts[i].Channel, attempts[i].ErrorDetail)
			}
			return fmt.Sprintf("%s: %s", attempts[i].Channel, attempts[i].Outcome)
		}
	}
	return "delivery failed"
}
