package reminder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/eventbus"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

type sent struct {
	To   kit.ChatTarget
	Text string
}

type fakeChat struct {
	mu  sync.Mutex
	out []sent
	ch  chan sent
}

func newFakeChat() *fakeChat { return &fakeChat{ch: make(chan sent, 64)} }

func (f *fakeChat) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.out = append(f.out, sent{to, text})
	f.mu.Unlock()
	f.ch <- sent{to, text}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeChat) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no message sent")
		return sent{}
	}
}

func TestReminderExecuteSends(t *testing.T) {
	t.Parallel()
	chat := newFakeChat()
	r := Reminder{Target: kit.ChatTarget{ChatID: 5, ThreadID: 2}, Text: "stretch"}
	require.NoError(t, r.Execute(context.Background(), Env{Chat: chat}))
	got := chat.next(t)
	assert.Equal(t, kit.ChatTarget{ChatID: 5, ThreadID: 2}, got.To)
	assert.Contains(t, got.Text, "stretch")

	err := r.Execute(context.Background(), Env{})
	assert.True(t, scheduler.IsNoRetry(err))
}

func TestReminderNext(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, ok := Reminder{}.Next(at)
	assert.False(t, ok)

	next, ok := Reminder{Every: "1h"}.Next(at)
	require.True(t, ok)
	assert.Equal(t, at.Add(time.Hour), next)
}

func startCommands(t *testing.T) (*eventbus.Bus, *fakeChat, *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	chat := newFakeChat()
	bus := eventbus.New()
	s := NewScheduler(Env{Chat: chat}, scheduler.Options{
		Path:   filepath.Join(t.TempDir(), "reminders.json"),
		Logger: logx.Nop(),
	})
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = s.Stop(stopCtx)
	})
	NewCommands(s, chat, logx.Nop()).Attach(bus)
	return bus, chat, s
}

// say waits for the dispatch pass so consecutive commands stay ordered.
func say(bus *eventbus.Bus, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = eventbus.PublishWait[kit.MessageReceived](ctx, bus, kit.Message{ChatID: 9, FromID: 1, Text: text, At: time.Now()})
}

func TestRemindCommandDelivers(t *testing.T) {
	t.Parallel()
	bus, chat, _ := startCommands(t)

	say(bus, "/remind 300ms drink water")
	ack := chat.next(t)
	assert.Contains(t, ack.Text, "ok [")

	got := chat.next(t)
	assert.Equal(t, int64(9), got.To.ChatID)
	assert.Contains(t, got.Text, "drink water")
}

func TestRemindUsageAndBadSchedule(t *testing.T) {
	t.Parallel()
	bus, chat, _ := startCommands(t)

	say(bus, "/remind")
	assert.Equal(t, usage, chat.next(t).Text)

	say(bus, "/remind soon@ tea")
	assert.Contains(t, chat.next(t).Text, "bad schedule")
}

func TestEveryListAndForget(t *testing.T) {
	t.Parallel()
	bus, chat, s := startCommands(t)

	say(bus, `/every "0 9 * * 1" standup`)
	require.Contains(t, chat.next(t).Text, "ok [")

	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, 2*time.Second, 10*time.Millisecond)
	p := s.Pending()[0].Payload
	assert.Equal(t, "0 9 * * 1", p.Every)
	assert.Equal(t, int64(1), p.Owner)

	say(bus, "/reminders")
	list := chat.next(t).Text
	assert.Contains(t, list, p.Key)
	assert.Contains(t, list, "standup")

	say(bus, "/forget nope")
	assert.Equal(t, "no reminder nope", chat.next(t).Text)

	say(bus, "/forget "+p.Key)
	assert.Equal(t, "forgot "+p.Key, chat.next(t).Text)
	require.Eventually(t, func() bool { return len(s.Pending()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOtherMessagesPassThrough(t *testing.T) {
	t.Parallel()
	bus, chat, _ := startCommands(t)

	seen := make(chan string, 1)
	eventbus.Subscribe[kit.MessageReceived](bus, func(_ context.Context, m kit.Message) eventbus.Control {
		seen <- m.Text
		return eventbus.Continue
	})
	say(bus, "hello there")
	assert.Equal(t, "hello there", <-seen)
	assert.Empty(t, chat.ch)
}

func TestSplitSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, spec, text string
		ok             bool
	}{
		{"10m tea", "10m", "tea", true},
		{`"*/5 * * * *" ping all`, "*/5 * * * *", "ping all", true},
		{`"unterminated tea`, "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		spec, text, ok := splitSpec(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.spec, spec, c.in)
		assert.Equal(t, c.text, text, c.in)
	}

	cmd, rest := splitCommand("/Remind@guildbot 5m x")
	assert.Equal(t, "remind", cmd)
	assert.Equal(t, "5m x", rest)
}
