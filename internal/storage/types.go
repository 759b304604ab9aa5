package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("audit journal disabled")
	ErrClosed   = errors.New("audit journal closed")
)

// Config configures the audit journal.
//
// Driver values:
//   - "file": JSON Lines, one record per line, appended
//   - "sqlite": SQLite database file (modernc, no cgo)
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds retained records; older ones are pruned periodically.
	// 0 means 10000.
	Keep int
}

func (c Config) keep() int {
	if c.Keep <= 0 {
		return 10000
	}
	return c.Keep
}

// Record is one task lifecycle entry.
// Keep it compact and schema-stable.
type Record struct {
	At        time.Time `json:"at"`
	Event     string    `json:"event"` // submitted | executed | failed | cancelled
	Scheduler string    `json:"scheduler"`
	TaskID    string    `json:"task_id"`
	Deadline  time.Time `json:"deadline"`
	Attempts  int       `json:"attempts,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
}
