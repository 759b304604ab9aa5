// Package reminder is the chat reminder feature: a scheduler task kind plus
// the /remind, /every, /reminders and /forget commands.
package reminder

import (
	"context"
	"time"

	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
)

// Env is shared by every reminder execution.
type Env struct {
	Chat kit.Sender
}

// Reminder is the persisted payload. Every holds a schedule understood by
// scheduler.ParseSchedule; empty means one-shot.
type Reminder struct {
	Target kit.ChatTarget `json:"target"`
	Text   string         `json:"text"`
	Key    string         `json:"key"`
	Every  string         `json:"every,omitempty"`
	Owner  int64          `json:"owner,omitempty"`
}

func (r Reminder) Execute(ctx context.Context, env Env) error {
	if env.Chat == nil {
		return scheduler.NoRetry(errNoSender)
	}
	_, err := env.Chat.SendText(ctx, r.Target, "⏰ "+r.Text, nil)
	return err
}

func (r Reminder) Next(after time.Time) (time.Time, bool) {
	return scheduler.Every(r.Every, after)
}

// Scheduler is the concrete scheduler type for reminders.
type Scheduler = scheduler.Scheduler[Reminder, Env]

func NewScheduler(env Env, opts scheduler.Options) *Scheduler {
	if opts.Name == "" {
		opts.Name = "reminders"
	}
	return scheduler.New[Reminder](env, opts)
}
