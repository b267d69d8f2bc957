// Package app wires the digest daemon together: config, logging, storage,
// channel senders, the spool producer, the delivery coordinator, the cron
// trigger, alerting and the optional pprof server. It owns the hot-reload
// fan-out and the ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"courier/internal/alert"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/eventbus"
	"courier/internal/feed"
	"courier/internal/observability/pprof"
	"courier/internal/runtime/supervisor"
	"courier/internal/schedule"
	"courier/internal/storage"
	"courier/internal/transport"
	logx "courier/pkg/logx"
	"courier/pkg/sdnotify"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *transport.Registry
	spool    *feed.Spool
	coord    *delivery.Coordinator
	sched    *schedule.Service
	alerts   *alert.Service
	pprof    *pprof.Service

	// schedOn mirrors schedule.enabled. Written by NewApp and the reload
	// loop only; the reload loop is a single goroutine.
	schedOn bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	registry := transport.NewRegistry(log.With(logx.String("comp", "transport")))
	registerChannelBuilders(registry)
	if err := registry.Apply(cfg.Channels); err != nil {
		// Missing or broken credentials surface as delivery failures, not
		// startup failures; the pipeline keeps running and recording.
		log.Warn("channel build failed; affected channels stay unavailable", logx.Any("err", err))
	}

	spool := feed.NewSpool(cfg.Feed, log.With(logx.String("comp", "feed")))

	opts, err := mapDeliveryOptions(cfg)
	if err != nil {
		return nil, err
	}
	coord := delivery.New(opts, spool, registry, store,
		log.With(logx.String("comp", "delivery")), bus)

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := schedule.New(schedCfg, func(ctx context.Context) {
		// RunCycle logs and persists its own outcome; the trigger only
		// cares that the call returns.
		_, _ = coord.RunCycle(ctx)
	}, log.With(logx.String("comp", "schedule")))

	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	alerts := alert.New(acfg, registry, log.With(logx.String("comp", "alerts")), bus)

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		spool:    spool,
		coord:    coord,
		sched:    sched,
		alerts:   alerts,
		pprof:    pprofSvc,
		schedOn:  cfg.Schedule.Enabled,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunOnce executes a single push cycle outside the schedule. The returned
// error reports result persistence only; read the result for the delivery
// outcome.
func (a *App) RunOnce(ctx context.Context) (storage.CycleResult, error) {
	return a.coord.RunCycle(ctx)
}

// LastResult returns the most recent persisted cycle result.
func (a *App) LastResult(ctx context.Context) (storage.CycleResult, bool, error) {
	return a.store.LastResult(ctx)
}

// Reconcile force-forgets a fingerprint so the next cycle can deliver the
// item again. It reports whether a record existed.
func (a *App) Reconcile(ctx context.Context, fingerprint string) (bool, error) {
	return a.coord.Dedup().Forget(ctx, fingerprint)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	if a.schedOn {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	a.alerts.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// Status surface: turn cycle outcomes into the systemd STATUS line.
	// The alerter holds its own subscription.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("status", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if e.Type != eventbus.EventCycleFinished {
					continue
				}
				if d, ok := e.Data.(eventbus.CycleData); ok {
					sdnotify.Status(a.statusLine(c, d))
				}
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, changedChannels := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(changedChannels) > 0 {
						a.log.Debug("channel config changes detected", logx.Any("channels", changedChannels))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					if s == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}

				a.logs.Apply(mapLoggingConfig(newCfg))

				if err := a.registry.Apply(newCfg.Channels); err != nil {
					a.log.Warn("channel rebuild failed; affected channels stay unavailable", logx.Any("err", err))
				}

				a.spool.Apply(newCfg.Feed)

				if opts, err := mapDeliveryOptions(newCfg); err != nil {
					a.log.Warn("invalid delivery config; keeping previous", logx.Any("err", err))
				} else {
					a.coord.Apply(opts)
				}

				// scheduler enable/disable + spec changes (live)
				if scfg, err := mapScheduleConfig(newCfg); err != nil {
					a.log.Warn("invalid schedule config; keeping previous", logx.Any("err", err))
				} else {
					newOn := newCfg.Schedule.Enabled
					switch {
					case a.schedOn && !newOn:
						a.log.Info("scheduler disabled via config")
						a.sched.Stop()
					case !a.schedOn && newOn:
						a.log.Info("scheduler enabled via config")
						if err := a.sched.Apply(scfg); err != nil {
							a.log.Warn("invalid schedule; keeping previous", logx.Any("err", err))
							newOn = false
						} else if err := a.sched.Start(c); err != nil {
							a.log.Warn("scheduler start failed", logx.Any("err", err))
							newOn = false
						}
					case newOn:
						if err := a.sched.Apply(scfg); err != nil {
							a.log.Warn("invalid schedule; keeping previous", logx.Any("err", err))
						}
					}
					a.schedOn = newOn
				}

				// alerts enable/disable (live)
				if acfg, err := mapAlertsConfig(newCfg); err != nil {
					a.log.Warn("invalid alerts config; keeping previous", logx.Any("err", err))
				} else {
					prevOn := a.alerts.Enabled()
					a.alerts.Apply(acfg)
					if prevOn && !acfg.Enabled {
						a.log.Info("alerts disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.alerts.Stop(stopCtx)
						cancel()
					} else if !prevOn && acfg.Enabled {
						a.log.Info("alerts enabled via config")
						a.alerts.Start(c)
					}
				}

				// pprof start/stop/restart (live)
				if pcfg, err := mapPprofConfig(newCfg); err != nil {
					a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
				} else {
					a.pprof.Reconfigure(c, pcfg)
				}

				// Keep the final line concise; details are in debug logs.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sdnotify.Ready() {
		a.log.Debug("systemd notified: ready")
	}
	sdnotify.Status("running")
	a.sup.Go("sdnotify.watchdog", sdnotify.Watchdog)

	if a.schedOn {
		a.log.Info("app started", logx.Time("next_cycle", a.sched.Next()))
	} else {
		a.log.Info("app started (schedule disabled)")
	}
	return nil
}

// statusLine renders the one-line summary systemd shows for the unit,
// e.g. "last cycle ok via primary, sent=3 (dedup records: 42)".
func (a *App) statusLine(ctx context.Context, d eventbus.CycleData) string {
	var b strings.Builder
	if d.Success {
		b.WriteString("last cycle ok")
		if d.Channel != "" && d.Channel != delivery.ChannelNone {
			fmt.Fprintf(&b, " via %s", d.Channel)
		}
		fmt.Fprintf(&b, ", sent=%d", d.Sent)
	} else {
		b.WriteString("last cycle failed")
		if d.Detail != "" {
			fmt.Fprintf(&b, ": %s", d.Detail)
		}
	}
	if st, err := a.store.Stats(ctx); err == nil {
		fmt.Fprintf(&b, " (dedup records: %d)", st.DedupRecords)
	}
	return b.String()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: one-shot use or failed startup.
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: its Stop waits for an in-flight cycle, which the
	// canceled run context is already unwinding.
	step("scheduler", 3*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Close releases resources without a supervised shutdown, for one-shot
// commands that never call Start.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
	return err
}
