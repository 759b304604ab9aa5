// Package telegram adapts telebot to the transport interfaces: outbound text
// through Sender, inbound messages as transport.MessageReceived bus events.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

const textLimit = 4096

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outgoing sends (default 20, burst 5).
	RatePerSec int
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bus     *eventbus.Bus
	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, bus *eventbus.Bus, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bus:     bus,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 5),
	}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil && a.bus != nil {
			eventbus.Publish[kit.MessageReceived](a.bus, toMessage(m))
		}
		return nil
	})
	return a, nil
}

func toMessage(m *tele.Message) kit.Message {
	msg := kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text, At: m.Time()}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return msg
}

// Start begins long polling. Telebot's poll loop runs under a restart loop
// so an unexpected return self-heals.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller returned while running")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling. getUpdates may still be parked on the server, so the
// wait is capped at two seconds.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// SendText sends text, split into several messages when it exceeds the
// platform limit. The returned ref points at the first chunk.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func classify(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.FloodWaitError{Err: err, After: time.Duration(fe.RetryAfter) * time.Second}
	}
	return err
}
