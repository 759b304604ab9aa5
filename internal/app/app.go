package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"guildbot/internal/config"
	"guildbot/internal/eventbus"
	"guildbot/internal/feature/commands"
	"guildbot/internal/feature/reminder"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/storage"
	"guildbot/internal/store"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	"guildbot/internal/transport/telegram"
	logx "guildbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus

	journal storage.Journal
	meters  *meters
	locks   *store.Locks

	adapter   kit.Adapter
	reminders *reminder.Scheduler
	remCmds   *reminder.Commands
	cmds      *commands.Table

	unsubs []func()
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat log sink needs the adapter, so logging starts with it off
	// and Apply enables it once the sender is set.
	bootCfg := logConfig(cfg)
	bootCfg.Chat.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New(eventbus.WithLogger(root))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, bus, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)
	logSvc.Apply(logConfig(cfg))

	var journal storage.Journal
	if sc, enabled, err := mapAuditConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if journal, err = storage.Open(sc, root.With(logx.String("comp", "audit"))); err != nil {
			return nil, err
		}
		log.Info("audit journal enabled", logx.String("driver", sc.Driver))
	}

	var (
		mtr     *meters
		metrics scheduler.Metrics = scheduler.NoopMetrics{}
	)
	if cfg.Metrics.Enabled {
		if mtr, err = newMeters(cfg.Metrics, root.With(logx.String("comp", "metrics"))); err != nil {
			return nil, err
		}
		if metrics, err = scheduler.NewMetrics(mtr.Meter()); err != nil {
			return nil, err
		}
	}

	timings, err := cfg.Scheduler.Timings()
	if err != nil {
		return nil, err
	}
	locks := store.NewLocks()
	rem := reminder.NewScheduler(reminder.Env{Chat: ad}, scheduler.Options{
		Name:          "reminders",
		Path:          cfg.Data.Path("reminders.json"),
		InboxSize:     timings.InboxSize,
		Locks:         locks,
		Logger:        root,
		Bus:           bus,
		Metrics:       metrics,
		ExecTimeout:   timings.ExecTimeout,
		RetryMax:      timings.RetryMax,
		RetryBase:     timings.RetryBase,
		RetryMaxDelay: timings.RetryMaxDelay,
	})

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		journal:   journal,
		meters:    mtr,
		locks:     locks,
		adapter:   ad,
		reminders: rem,
		remCmds:   reminder.NewCommands(rem, ad, root),
		cmds: commands.New(cfg.Data.Path("commands.txt"), commands.Options{
			Owners: cfg.Telegram.OwnerUserIDs,
			Locks:  locks,
			Logger: root,
		}),
	}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			Target:     kit.ChatTarget{ChatID: cfg.Telegram.LogChat, ThreadID: cfg.Telegram.LogThread},
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapAuditConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.cfgm.Get().EventBus.LogEvents {
		a.traceEvents(a.cfgm.Get().EventBus.TapBuffer)
	}
	if a.journal != nil {
		a.unsubs = append(a.unsubs, recordAudit(a.bus, a.journal, a.log.With(logx.String("comp", "audit"))))
	}
	if a.meters != nil {
		a.sup.Go0("metrics.log", a.meters.logLoop)
	}

	if err := a.reminders.Start(c); err != nil {
		return fmt.Errorf("start reminders: %w", err)
	}
	a.unsubs = append(a.unsubs,
		a.remCmds.Attach(a.bus),
		a.cmds.Attach(a.bus, a.adapter),
	)
	if err := a.adapter.Start(c); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(every / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	a.log.Info("app started", logx.Int("reminders", len(a.reminders.Pending())))
	return nil
}

// traceEvents logs every published event at debug.
func (a *App) traceEvents(buffer int) {
	events, unsub := a.bus.Tap(buffer)
	a.unsubs = append(a.unsubs, unsub)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("kind", e.Kind), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(logConfig(newCfg))
			a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)
			if rs := config.RequiresRestart(sections); len(rs) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(rs, ",")))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("features", time.Second, func(context.Context) error {
		for _, u := range a.unsubs {
			u()
		}
		return nil
	})
	step("reminders", 3*time.Second, func(c context.Context) error { return a.reminders.Stop(c) })
	step("eventbus", 2*time.Second, func(c context.Context) error { return a.bus.Close(c) })
	step("audit", time.Second, func(context.Context) error {
		if a.journal != nil {
			return a.journal.Close()
		}
		return nil
	})
	step("metrics", time.Second, func(c context.Context) error {
		if a.meters != nil {
			return a.meters.Shutdown(c)
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event tracing).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component
// can't stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; a late finish is logged as a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
