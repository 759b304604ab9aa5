package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the whole bot configuration. JSON and YAML files decode into it
// with unknown fields rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Data      DataConfig      `json:"data"`
	Scheduler SchedulerConfig `json:"scheduler"`
	EventBus  EventBusConfig  `json:"eventbus,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log records into telegram.log_chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	LogChat      int64   `json:"log_chat,omitempty"`
	LogThread    int     `json:"log_thread,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec caps outgoing messages (default 20).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// DataConfig locates persisted state. Store and queue files live under Dir.
type DataConfig struct {
	Dir string `json:"dir"`
}

// SchedulerConfig applies to every scheduler instance.
//
// Durations are Go duration strings. Defaults:
//   - inbox_size: 64
//   - exec_timeout: "0s" (none)
//   - retry_max: 0
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type SchedulerConfig struct {
	InboxSize     int    `json:"inbox_size,omitempty"`
	ExecTimeout   string `json:"exec_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// EventBusConfig controls debug tracing of published events.
type EventBusConfig struct {
	LogEvents bool `json:"log_events,omitempty"`
	TapBuffer int  `json:"tap_buffer,omitempty"`
}

// AuditConfig controls the task audit journal.
//
// Example:
//
//	"audit": { "driver": "sqlite", "path": "./data/audit.db" }
type AuditConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Keep        int    `json:"keep,omitempty"`
}

// MetricsConfig enables the in-process OpenTelemetry meter. Collected values
// are logged every interval.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "1m"
}

// SchedulerTimings is SchedulerConfig with durations parsed.
type SchedulerTimings struct {
	InboxSize     int
	ExecTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c SchedulerConfig) Timings() (SchedulerTimings, error) {
	var (
		t   = SchedulerTimings{InboxSize: c.InboxSize, RetryMax: c.RetryMax}
		err error
	)
	if t.ExecTimeout, err = ParseDurationField("scheduler.exec_timeout", c.ExecTimeout); err != nil {
		return t, err
	}
	if t.RetryBase, err = ParseDurationOrDefault("scheduler.retry_base", c.RetryBase, 500*time.Millisecond); err != nil {
		return t, err
	}
	if t.RetryMaxDelay, err = ParseDurationOrDefault("scheduler.retry_max_delay", c.RetryMaxDelay, 15*time.Second); err != nil {
		return t, err
	}
	return t, nil
}

// Path joins name onto the data directory.
func (c DataConfig) Path(name string) string {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		dir = "data"
	}
	return filepath.Join(dir, name)
}

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Telegram.Enabled && c.Telegram.LogChat == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.log_chat"))
	}
	if _, err := c.Scheduler.Timings(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.RetryMax < 0 {
		errs = append(errs, errors.New("scheduler.retry_max must be >= 0"))
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Audit.Driver)); d {
	case "", "none", "file", "sqlite", "sqlite3":
		if d != "" && d != "none" && strings.TrimSpace(c.Audit.Path) == "" {
			errs = append(errs, fmt.Errorf("audit.path is required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.driver: unknown driver %q", c.Audit.Driver))
	}
	if _, err := ParseDurationField("audit.busy_timeout", c.Audit.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("metrics.interval", c.Metrics.Interval); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
