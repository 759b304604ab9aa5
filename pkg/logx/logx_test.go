package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "guildbot/internal/transport"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("bad")), Duration("took", 1500*time.Millisecond))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "hello", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.Equal(t, float64(3), rec["n"])
	assert.Equal(t, "bad", rec["err"])
	assert.Contains(t, rec["caller"], "logx_test.go:")
}

func TestLevelsAndZeroValue(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("dropped")
	assert.Zero(t, buf.Len())
	log.Error("kept")
	assert.Contains(t, buf.String(), `"level":"error"`)

	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Error("never written")
}

func TestWithDoesNotAlias(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSON(&buf, "debug").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")
	assert.NotContains(t, buf.String(), `"b"`)
}

type fakeChatSender struct{ ch chan string }

func (c fakeChatSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.ch <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func TestServiceChatAndFileSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	sink := fakeChatSender{ch: make(chan string, 4)}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Chat: ChatConfig{
			Enabled:    true,
			Target:     kit.ChatTarget{ChatID: 77},
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Warn("disk almost full", String("mount", "/data"))

	select {
	case msg := <-sink.ch:
		assert.True(t, strings.HasPrefix(msg, "[WARN] disk almost full"))
		assert.Contains(t, msg, "mount=/data")
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not receive the warning")
	}
	assert.Empty(t, sink.ch)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "routine")
	assert.Contains(t, string(raw), "disk almost full")

	// Apply swaps the level live for loggers handed out earlier.
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Warn("quiet now")
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "quiet now")
}

func TestFormatChatJSONAndTruncate(t *testing.T) {
	msg := formatChatJSON([]byte(`{"level":"error","message":"boom","time":"x","id":"t1","caller":"a.go:3"}`))
	assert.Equal(t, "[ERROR] boom\n- caller=a.go:3\n- id=t1", msg)
	assert.Equal(t, "not json", formatChatJSON([]byte("not json\n")))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("Warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}
