package scheduler

import (
	"context"
	"time"

	"guildbot/internal/eventbus"
	"guildbot/internal/store"
	logx "guildbot/pkg/logx"
)

// Task is implemented by the payload type of one scheduler. env is the
// shared environment handed unchanged to every execution (a chat client,
// stores, the bus); it must be safe for concurrent use.
type Task[E any] interface {
	Execute(ctx context.Context, env E) error
}

// Recurring is optionally implemented by payloads. After such a payload runs,
// the scheduler resubmits it under the same ID at Next(deadline) when ok is
// true.
type Recurring interface {
	Next(after time.Time) (next time.Time, ok bool)
}

// Entry is one pending task as held in memory and on disk.
type Entry[T any] struct {
	ID       string    `json:"id" yaml:"id"`
	Deadline time.Time `json:"deadline" yaml:"deadline"`
	Payload  T         `json:"payload" yaml:"payload"`
}

// Options configures a Scheduler. Only Path is usually set.
type Options struct {
	// Name labels logs, events and metrics. Defaults to the file base name.
	Name string
	// Path of the queue file. Empty keeps the queue in memory only.
	Path string
	// InboxSize bounds pending submissions and cancellations (default 64).
	InboxSize int

	Locks  *store.Locks
	Logger logx.Logger
	// Bus receives Task* lifecycle events when set.
	Bus     *eventbus.Bus
	Metrics Metrics

	// ExecTimeout bounds one execution attempt. Zero means no timeout.
	ExecTimeout time.Duration

	// RetryMax is the number of extra attempts after a failure (default 0).
	RetryMax      int
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 15s
	RetryJitter   float64       // default 0.2

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Stats is a point-in-time view of a scheduler.
type Stats struct {
	Name         string    `json:"name"`
	Running      bool      `json:"running"`
	Closed       bool      `json:"closed"`
	Pending      int       `json:"pending"`
	InFlight     int64     `json:"in_flight"`
	Submitted    uint64    `json:"submitted"`
	Executed     uint64    `json:"executed"`
	Failed       uint64    `json:"failed"`
	Cancelled    uint64    `json:"cancelled"`
	NextDeadline time.Time `json:"next_deadline"`
}

// TaskEvent is the argument of every scheduler lifecycle event.
type TaskEvent struct {
	Scheduler string
	ID        string
	Deadline  time.Time
	// Set on executed/failed.
	Attempts int
	Duration time.Duration
	Error    string
}

type (
	// TaskSubmitted fires when a submission is applied to the queue.
	TaskSubmitted struct{}
	// TaskExecuted fires after an execution (including retries) succeeded.
	TaskExecuted struct{}
	// TaskFailed fires after the last attempt failed or panicked.
	TaskFailed struct{}
	// TaskCancelled fires for every pending entry removed by Cancel.
	TaskCancelled struct{}
)

func (TaskSubmitted) Kind(TaskEvent) {}
func (TaskExecuted) Kind(TaskEvent)  {}
func (TaskFailed) Kind(TaskEvent)    {}
func (TaskCancelled) Kind(TaskEvent) {}

type opKind int

const (
	opSubmit opKind = iota
	opCancel
)

// op is one inbox message. Submissions and cancellations share one channel so
// the loop applies them in the order callers issued them.
type op[T any] struct {
	kind  opKind
	entry Entry[T]
	match func(Entry[T]) bool
}
