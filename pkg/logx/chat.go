package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "guildbot/internal/transport"
)

const (
	chatQueueSize = 256
	chatMaxLen    = 3500
)

type chatItem struct {
	to  kit.ChatTarget
	msg string
}

// chatSink is a zerolog.LevelWriter that forwards records to a chat. Writes
// never block: records over the rate limit or a full queue are dropped.
type chatSink struct {
	queue chan chatItem
	once  sync.Once
	wg    sync.WaitGroup

	mu       sync.Mutex
	sender   kit.Sender
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
}

func newChatSink(sender kit.Sender) *chatSink {
	return &chatSink{
		queue:    make(chan chatItem, chatQueueSize),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
	}
}

func (c *chatSink) setSender(sender kit.Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.target = cfg.Target
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if cfg.Target.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but no chat target is set")
	}
	c.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		c.wg.Add(1)
		go c.run(ctx)
	})
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, lim, minLevel := c.target, c.limiter, c.minLevel
	c.mu.Unlock()

	if to.ChatID == 0 || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatChatJSON(p); msg != "" {
		select {
		case c.queue <- chatItem{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

// formatChatJSON renders a JSON record as "[LEVEL] message" followed by one
// "- key=value" line per remaining field, keys sorted.
func formatChatJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch k {
		case "time", "level", "message":
			continue
		}
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
