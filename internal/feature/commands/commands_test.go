package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/eventbus"
	kit "guildbot/internal/transport"
	"guildbot/pkg/smallmap"
)

type fakeChat struct{ ch chan string }

func (f *fakeChat) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.ch <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeChat) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no reply")
		return ""
	}
}

func TestCodecEscapesAndKeepsOrder(t *testing.T) {
	t.Parallel()
	var m smallmap.Map[string, string]
	m.Set("zeta", "line one\nline two")
	m.Set("alpha", `back\slash	tab`)

	var buf bytes.Buffer
	require.NoError(t, Codec().Encode(&buf, m))
	assert.Equal(t, "zeta\tline one\\nline two\nalpha\tback\\\\slash\\ttab\n", buf.String())

	var got smallmap.Map[string, string]
	require.NoError(t, Codec().Decode(&buf, &got))
	assert.Equal(t, []string{"zeta", "alpha"}, got.Keys())
	v, _ := got.Get("alpha")
	assert.Equal(t, "back\\slash\ttab", v)
}

func TestCodecRejectsBadLine(t *testing.T) {
	t.Parallel()
	var got smallmap.Map[string, string]
	err := Codec().Decode(bytes.NewBufferString("no tab here\n"), &got)
	assert.ErrorIs(t, err, ErrBadName)
}

func TestDefineRemoveLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "commands.txt")
	tbl := New(path, Options{})

	require.NoError(t, tbl.Define(ctx, "Rules", "be nice"))
	assert.ErrorIs(t, tbl.Define(ctx, "bad name", "x"), ErrBadName)
	assert.ErrorIs(t, tbl.Define(ctx, "remind", "x"), ErrReserved)

	resp, ok, err := tbl.Lookup(ctx, "rules")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "be nice", resp)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rules\tbe nice\n", string(raw))

	// a fresh table sees the persisted value
	resp, ok, err = New(path, Options{}).Lookup(ctx, "rules")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "be nice", resp)

	removed, err := tbl.Remove(ctx, "rules")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = tbl.Remove(ctx, "rules")
	require.NoError(t, err)
	assert.False(t, removed)
}

func attach(t *testing.T, owners ...int64) (*eventbus.Bus, *fakeChat, *Table) {
	t.Helper()
	bus := eventbus.New()
	chat := &fakeChat{ch: make(chan string, 16)}
	tbl := New(filepath.Join(t.TempDir(), "commands.txt"), Options{Owners: owners})
	t.Cleanup(tbl.Attach(bus, chat))
	return bus, chat, tbl
}

func say(bus *eventbus.Bus, from int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = eventbus.PublishWait[kit.MessageReceived](ctx, bus, kit.Message{ChatID: 3, FromID: from, Text: text})
}

func TestChatDefineUseAndRemove(t *testing.T) {
	t.Parallel()
	bus, chat, _ := attach(t)

	say(bus, 1, "/defcmd faq see the pinned message")
	assert.Equal(t, "defined /faq", chat.next(t))

	say(bus, 2, "/faq@guildbot")
	assert.Equal(t, "see the pinned message", chat.next(t))

	say(bus, 2, "/cmds")
	assert.Equal(t, "/faq", chat.next(t))

	say(bus, 1, "/delcmd faq")
	assert.Equal(t, "removed /faq", chat.next(t))

	say(bus, 1, "/delcmd faq")
	assert.Equal(t, "no command /faq", chat.next(t))
}

func TestChatOwnersOnly(t *testing.T) {
	t.Parallel()
	bus, chat, tbl := attach(t, 7)

	say(bus, 8, "/defcmd x y")
	assert.Equal(t, "not allowed", chat.next(t))

	say(bus, 7, "/defcmd")
	assert.Contains(t, chat.next(t), "usage")

	names, err := tbl.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUnknownCommandContinues(t *testing.T) {
	t.Parallel()
	bus, chat, _ := attach(t)

	seen := make(chan string, 1)
	eventbus.Subscribe[kit.MessageReceived](bus, func(_ context.Context, m kit.Message) eventbus.Control {
		seen <- m.Text
		return eventbus.Continue
	})
	say(bus, 1, "/unknown")
	assert.Equal(t, "/unknown", <-seen)
	assert.Empty(t, chat.ch)
}

func TestDefinedEventFromOtherComponents(t *testing.T) {
	t.Parallel()
	bus, _, tbl := attach(t)

	require.NoError(t, eventbus.PublishWait[CommandDefined](context.Background(), bus, Definition{Name: "ping", Response: "pong"}))
	resp, ok, err := tbl.Lookup(context.Background(), "ping")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pong", resp)
}
