package commands

import (
	"context"
	"errors"
	"strings"

	"guildbot/internal/eventbus"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// Attach wires the table to the bus. Chat commands publish CommandDefined
// and CommandRemoved; the table applies those events, so other components
// may publish them too. Handlers always return Continue since Stop would
// unsubscribe them. The returned func unsubscribes all handlers.
func (t *Table) Attach(bus *eventbus.Bus, chat kit.Sender) func() {
	t.bus, t.chat = bus, chat
	unsubs := []func(){
		eventbus.Subscribe[CommandDefined](bus, t.onDefined),
		eventbus.Subscribe[CommandRemoved](bus, t.onRemoved),
		eventbus.Subscribe[kit.MessageReceived](bus, t.onMessage),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (t *Table) onDefined(ctx context.Context, d Definition) eventbus.Control {
	err := t.Define(ctx, d.Name, d.Response)
	switch {
	case err == nil:
		t.log.Info("command defined", logx.String("name", d.Name), logx.Int64("by", d.By))
		t.reply(ctx, d.Chat, "defined /"+d.Name)
	case errors.Is(err, ErrBadName), errors.Is(err, ErrReserved):
		t.reply(ctx, d.Chat, err.Error())
	default:
		t.log.Warn("define failed", logx.String("name", d.Name), logx.Err(err))
		t.reply(ctx, d.Chat, "could not save /"+d.Name)
	}
	return eventbus.Continue
}

func (t *Table) onRemoved(ctx context.Context, d Definition) eventbus.Control {
	ok, err := t.Remove(ctx, d.Name)
	switch {
	case err != nil:
		t.log.Warn("remove failed", logx.String("name", d.Name), logx.Err(err))
		t.reply(ctx, d.Chat, "could not remove /"+d.Name)
	case ok:
		t.log.Info("command removed", logx.String("name", d.Name), logx.Int64("by", d.By))
		t.reply(ctx, d.Chat, "removed /"+d.Name)
	default:
		t.reply(ctx, d.Chat, "no command /"+d.Name)
	}
	return eventbus.Continue
}

func (t *Table) onMessage(ctx context.Context, m kit.Message) eventbus.Control {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return eventbus.Continue
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	name := strings.ToLower(head)
	rest = strings.TrimSpace(rest)

	switch name {
	case "defcmd", "delcmd":
		if !t.isOwner(m.FromID) {
			t.reply(ctx, m.Target(), "not allowed")
			return eventbus.Continue
		}
		d := Definition{By: m.FromID, Chat: m.Target()}
		d.Name, d.Response, _ = strings.Cut(rest, " ")
		d.Name = strings.TrimPrefix(d.Name, "/")
		d.Response = strings.TrimSpace(d.Response)
		if name == "defcmd" {
			if d.Name == "" || d.Response == "" {
				t.reply(ctx, m.Target(), "usage: /defcmd <name> <response>")
				return eventbus.Continue
			}
			eventbus.Publish[CommandDefined](t.bus, d)
		} else {
			eventbus.Publish[CommandRemoved](t.bus, d)
		}
		return eventbus.Continue
	case "cmds":
		names, err := t.Names(ctx)
		if err != nil {
			t.log.Warn("list failed", logx.Err(err))
			return eventbus.Continue
		}
		if len(names) == 0 {
			t.reply(ctx, m.Target(), "no custom commands")
		} else {
			t.reply(ctx, m.Target(), "/"+strings.Join(names, "\n/"))
		}
		return eventbus.Continue
	}

	resp, ok, err := t.Lookup(ctx, name)
	if err != nil {
		t.log.Warn("lookup failed", logx.String("name", name), logx.Err(err))
	} else if ok {
		t.reply(ctx, m.Target(), resp)
	}
	return eventbus.Continue
}

func (t *Table) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if t.chat == nil || to.ChatID == 0 {
		return
	}
	if _, err := t.chat.SendText(ctx, to, text, nil); err != nil {
		t.log.Warn("reply failed", logx.Err(err))
	}
}
