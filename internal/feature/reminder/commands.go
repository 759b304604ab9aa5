package reminder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"guildbot/internal/eventbus"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

var errNoSender = errors.New("reminder: no chat sender")

const usage = "usage: /remind <10m|HH:MM> <text>, /every <1h|HH:MM|\"cron expr\"> <text>, /reminders, /forget <key>"

// Commands turns chat messages into scheduler operations.
type Commands struct {
	sched *Scheduler
	chat  kit.Sender
	log   logx.Logger
	now   func() time.Time
}

func NewCommands(s *Scheduler, chat kit.Sender, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{sched: s, chat: chat, log: log.With(logx.String("comp", "reminder")), now: time.Now}
}

// Attach subscribes to inbound messages and returns the unsubscribe func.
func (c *Commands) Attach(bus *eventbus.Bus) func() {
	return eventbus.Subscribe[kit.MessageReceived](bus, func(ctx context.Context, m kit.Message) eventbus.Control {
		cmd, rest := splitCommand(m.Text)
		var reply string
		switch cmd {
		case "remind":
			reply = c.remind(ctx, m, rest, false)
		case "every":
			reply = c.remind(ctx, m, rest, true)
		case "reminders":
			reply = c.list(m)
		case "forget":
			reply = c.forget(ctx, m, rest)
		default:
			return eventbus.Continue
		}
		if c.chat != nil && reply != "" {
			if _, err := c.chat.SendText(ctx, m.Target(), reply, nil); err != nil {
				c.log.Warn("reply failed", logx.Err(err))
			}
		}
		return eventbus.Continue
	})
}

func (c *Commands) remind(ctx context.Context, m kit.Message, args string, recurring bool) string {
	spec, text, ok := splitSpec(args)
	if !ok || text == "" {
		return usage
	}
	sch, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return "bad schedule: " + err.Error()
	}
	now := c.now()
	deadline, ok := sch.Next(now)
	if !ok {
		return "schedule never fires"
	}
	r := Reminder{Target: m.Target(), Text: text, Key: uuid.NewString()[:8], Owner: m.FromID}
	if recurring {
		r.Every = spec
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.sched.Submit(sctx, deadline, r); err != nil {
		c.log.Warn("submit failed", logx.Err(err))
		return "could not schedule: " + err.Error()
	}
	return fmt.Sprintf("ok [%s] at %s", r.Key, deadline.Format("2006-01-02 15:04"))
}

func (c *Commands) list(m kit.Message) string {
	var b strings.Builder
	for _, e := range c.sched.Pending() {
		if e.Payload.Target != m.Target() {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s %s", e.Payload.Key, e.Deadline.Format("01-02 15:04"), e.Payload.Text)
		if e.Payload.Every != "" {
			b.WriteString(" (every " + e.Payload.Every + ")")
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "no reminders"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) forget(ctx context.Context, m kit.Message, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return usage
	}
	target := m.Target()
	found := slices.ContainsFunc(c.sched.Pending(), func(e scheduler.Entry[Reminder]) bool {
		return e.Payload.Target == target && e.Payload.Key == key
	})
	if !found {
		return "no reminder " + key
	}
	err := c.sched.Cancel(ctx, func(r Reminder) bool { return r.Target == target && r.Key == key })
	if err != nil {
		return "could not cancel: " + err.Error()
	}
	return "forgot " + key
}

// splitCommand returns the command name without the slash or @bot suffix.
func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

// splitSpec takes the leading schedule token; a double-quoted token may
// contain spaces so cron expressions fit.
func splitSpec(args string) (spec, text string, ok bool) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", "", false
	}
	if args[0] == '"' {
		end := strings.IndexByte(args[1:], '"')
		if end < 0 {
			return "", "", false
		}
		return args[1 : end+1], strings.TrimSpace(args[end+2:]), true
	}
	spec, text, _ = strings.Cut(args, " ")
	return spec, strings.TrimSpace(text), true
}
