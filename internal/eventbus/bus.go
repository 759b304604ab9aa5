package eventbus

import (
	"context"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	rtsup "guildbot/internal/runtime/supervisor"
	logx "guildbot/pkg/logx"
)

// Kind is implemented by zero-size marker types that name an event kind.
// A is the argument type delivered to the kind's handlers.
//
//	type MemberJoined struct{}
//
//	func (MemberJoined) Kind(Member) {}
//
// Handlers are keyed by the marker type, so two kinds sharing an argument
// type never see each other's events.
type Kind[A any] interface {
	Kind(A)
}

// Control is returned by handlers to stay subscribed or to unsubscribe.
type Control int

const (
	Continue Control = iota
	Stop
)

// Handler receives one published argument.
// Handlers log their own failures; the bus never reports them to publishers.
//
// Handlers of one kind start in registration order and each runs on its own
// goroutine. A pass waits for a handler up to the bus's handler timeout, then
// moves on to the next one while the slow handler keeps running.
type Handler[A any] func(ctx context.Context, arg A) Control

const defaultHandlerTimeout = 10 * time.Second

type subscription struct {
	id      uint64
	fn      any // Handler[A] for the kind's A
	stopped atomic.Bool
}

// Bus maps event kinds to ordered handler lists.
//
// Construct one per process and pass it to every component; there is no
// package-level instance.
type Bus struct {
	mu     sync.RWMutex
	kinds  map[reflect.Type][]*subscription
	seq    atomic.Uint64
	closed atomic.Bool

	log  logx.Logger
	sup  *rtsup.Supervisor
	slow time.Duration

	taps tapSet
}

type Option func(*Bus)

func WithLogger(log logx.Logger) Option { return func(b *Bus) { b.log = log } }

// WithHandlerTimeout bounds how long a pass waits for one handler before it
// starts the next. Zero or less runs handlers inline, one after another.
func WithHandlerTimeout(d time.Duration) Option { return func(b *Bus) { b.slow = d } }

// New returns an empty bus. Dispatch goroutines live under their own
// supervisor so Close can wait for them.
func New(opts ...Option) *Bus {
	b := &Bus{
		kinds: map[reflect.Type][]*subscription{},
		log:   logx.Nop(),
		slow:  defaultHandlerTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	b.sup = rtsup.New(context.Background(), rtsup.WithLogger(b.log.With(logx.String("comp", "eventbus"))))
	b.taps.subs = map[uint64]chan Record{}
	return b
}

func keyOf[K any]() reflect.Type { return reflect.TypeFor[K]() }

// Subscribe registers h for kind K. The returned func removes the handler;
// calling it more than once is harmless.
func Subscribe[K Kind[A], A any](b *Bus, h Handler[A]) (unsubscribe func()) {
	if h == nil {
		return func() {}
	}
	key := keyOf[K]()
	sub := &subscription{id: b.seq.Add(1), fn: h}

	b.mu.Lock()
	b.kinds[key] = append(b.kinds[key], sub)
	b.mu.Unlock()

	return func() {
		sub.stopped.Store(true)
		b.remove(key, sub.id)
	}
}

// Subscribers reports how many live handlers kind K has.
func Subscribers[K any](b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.kinds[keyOf[K]()] {
		if !s.stopped.Load() {
			n++
		}
	}
	return n
}

// Publish dispatches arg to K's handlers on a separate goroutine and returns
// immediately. Publishing with no subscribers only feeds taps.
func Publish[K Kind[A], A any](b *Bus, arg A) {
	key := keyOf[K]()
	b.taps.emit(Record{Kind: key.String(), Time: time.Now(), Arg: arg})

	subs := b.snapshot(key)
	if len(subs) == 0 {
		return
	}
	if b.closed.Load() {
		b.log.Debug("publish after close dropped", logx.String("kind", key.String()))
		return
	}
	b.sup.Go0("dispatch."+key.Name(), func(ctx context.Context) {
		dispatch(ctx, b, key, subs, arg)
	})
}

// PublishWait is Publish that waits for the dispatch pass to finish or ctx
// to end. A handler that outlives the handler timeout is not waited for.
func PublishWait[K Kind[A], A any](ctx context.Context, b *Bus, arg A) error {
	key := keyOf[K]()
	b.taps.emit(Record{Kind: key.String(), Time: time.Now(), Arg: arg})

	subs := b.snapshot(key)
	if len(subs) == 0 || b.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	b.sup.Go0("dispatch."+key.Name(), func(dctx context.Context) {
		defer close(done)
		dispatch(dctx, b, key, subs, arg)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) snapshot(key reflect.Type) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.kinds[key]
	if len(list) == 0 {
		return nil
	}
	return append([]*subscription(nil), list...)
}

// dispatch runs one pass in registration order. Handlers that return Stop
// are removed once they finish. The lock is never held while a handler runs.
func dispatch[A any](ctx context.Context, b *Bus, key reflect.Type, subs []*subscription, arg A) {
	for _, s := range subs {
		if s.stopped.Load() {
			continue
		}
		h, ok := s.fn.(Handler[A])
		if !ok {
			// Subscribe and Publish are both keyed by K whose Kind method pins A,
			// so this only happens if the registry was corrupted.
			panic("eventbus: handler type mismatch for " + key.String())
		}
		if b.slow <= 0 {
			b.settle(key, s, invoke(ctx, b, key, h, arg))
			continue
		}
		runBounded(ctx, b, key, s, h, arg)
	}
}

// runBounded starts h as its own supervised unit and waits for it up to the
// handler timeout.
func runBounded[A any](ctx context.Context, b *Bus, key reflect.Type, s *subscription, h Handler[A], arg A) {
	done := make(chan struct{})
	b.sup.Go0("handler."+key.Name(), func(hctx context.Context) {
		defer close(done)
		b.settle(key, s, invoke(hctx, b, key, h, arg))
	})
	t := time.NewTimer(b.slow)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		b.log.Warn("event handler slow; pass continues without it",
			logx.String("kind", key.String()),
			logx.Duration("timeout", b.slow),
		)
	case <-ctx.Done():
	}
}

func (b *Bus) settle(key reflect.Type, s *subscription, ctl Control) {
	if ctl == Stop && !s.stopped.Swap(true) {
		b.remove(key, s.id)
	}
}

func invoke[A any](ctx context.Context, b *Bus, key reflect.Type, h Handler[A], arg A) (ctl Control) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logx.String("kind", key.String()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			ctl = Continue
		}
	}()
	return h(ctx, arg)
}

func (b *Bus) remove(key reflect.Type, ids ...uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.kinds[key]
	kept := list[:0:0]
	for _, s := range list {
		drop := false
		for _, id := range ids {
			if s.id == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.kinds, key)
		return
	}
	b.kinds[key] = kept
}

// Wait blocks until in-flight dispatch passes finish or ctx ends.
func (b *Bus) Wait(ctx context.Context) error {
	return b.sup.Wait(ctx)
}

// Close stops accepting dispatches, closes taps and waits for in-flight passes.
func (b *Bus) Close(ctx context.Context) error {
	b.closed.Store(true)
	err := b.Wait(ctx)
	b.taps.closeAll()
	return err
}
