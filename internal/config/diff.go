package config

import (
	"slices"
	"strings"

	logx "guildbot/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and safe fields for a
// reload log line. Tokens are never included, only whether they changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	o, n := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(o.Token) != strings.TrimSpace(n.Token)
	if tokenChanged ||
		strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		!slices.Equal(o.OwnerUserIDs, n.OwnerUserIDs) ||
		o.LogChat != n.LogChat || o.LogThread != n.LogThread || o.RatePerSec != n.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", n.LogChat != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Data != newCfg.Data {
		changed = append(changed, "data")
		attrs = append(attrs, logx.String("data.dir", newCfg.Data.Dir))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.inbox_size", s.InboxSize),
			logx.String("scheduler.exec_timeout", s.ExecTimeout),
			logx.Int("scheduler.retry_max", s.RetryMax),
		)
	}

	if oldCfg.EventBus != newCfg.EventBus {
		changed = append(changed, "eventbus")
		attrs = append(attrs, logx.Bool("eventbus.log_events", newCfg.EventBus.LogEvents))
	}

	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
		attrs = append(attrs,
			logx.String("audit.driver", newCfg.Audit.Driver),
			logx.String("audit.path", newCfg.Audit.Path),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, attrs
}

// RequiresRestart reports sections that are wired at startup and cannot be
// swapped while running.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram", "data", "scheduler", "audit", "metrics":
			out = append(out, c)
		}
	}
	return out
}
