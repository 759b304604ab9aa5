package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildbot/internal/config"
	"guildbot/internal/eventbus"
	"guildbot/internal/storage"
	"guildbot/internal/task/scheduler"
	logx "guildbot/pkg/logx"
)

func mapAuditConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	ac := cfg.Audit
	driver := strings.ToLower(strings.TrimSpace(ac.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(ac.Path)

	switch driver {
	case "file":
		if path == "" {
			path = cfg.Data.Path("audit.jsonl")
		}
		return storage.Config{Driver: "file", Path: path, Keep: ac.Keep}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("audit.path is required when audit.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("audit.busy_timeout", ac.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Keep: ac.Keep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown audit.driver: %s", ac.Driver)
	}
}

// recordAudit appends scheduler lifecycle events to j. Appends run on the
// bus dispatch goroutine.
func recordAudit(bus *eventbus.Bus, j storage.Journal, log logx.Logger) func() {
	appendEvent := func(name string) eventbus.Handler[scheduler.TaskEvent] {
		return func(ctx context.Context, ev scheduler.TaskEvent) eventbus.Control {
			r := storage.Record{
				At:        time.Now(),
				Event:     name,
				Scheduler: ev.Scheduler,
				TaskID:    ev.ID,
				Deadline:  ev.Deadline,
				Attempts:  ev.Attempts,
				TookMS:    ev.Duration.Milliseconds(),
				Error:     ev.Error,
			}
			if err := j.Append(ctx, r); err != nil {
				log.Warn("audit append failed", logx.String("event", name), logx.String("id", ev.ID), logx.Err(err))
			}
			return eventbus.Continue
		}
	}
	unsubs := []func(){
		eventbus.Subscribe[scheduler.TaskSubmitted](bus, appendEvent("submitted")),
		eventbus.Subscribe[scheduler.TaskExecuted](bus, appendEvent("executed")),
		eventbus.Subscribe[scheduler.TaskFailed](bus, appendEvent("failed")),
		eventbus.Subscribe[scheduler.TaskCancelled](bus, appendEvent("cancelled")),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
