package eventbus

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "guildbot/pkg/logx"
)

type member struct {
	ID   int64
	Name string
}

type memberJoined struct{}

func (memberJoined) Kind(member) {}

type memberLeft struct{}

func (memberLeft) Kind(member) {}

type tick struct{}

func (tick) Kind(int) {}

func waitBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	b := New()
	Publish[memberJoined](b, member{ID: 1})
	require.NoError(t, PublishWait[memberJoined](context.Background(), b, member{ID: 1}))
	waitBus(t, b)
	assert.Equal(t, 0, Subscribers[memberJoined](b))
}

func TestStopUnsubscribesAfterFirstCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	var once, always atomic.Int32
	Subscribe[memberJoined](b, func(ctx context.Context, m member) Control {
		once.Add(1)
		return Stop
	})
	Subscribe[memberJoined](b, func(ctx context.Context, m member) Control {
		always.Add(1)
		return Continue
	})
	require.Equal(t, 2, Subscribers[memberJoined](b))

	require.NoError(t, PublishWait[memberJoined](ctx, b, member{ID: 1}))
	require.NoError(t, PublishWait[memberJoined](ctx, b, member{ID: 2}))
	require.NoError(t, PublishWait[memberJoined](ctx, b, member{ID: 3}))

	assert.Equal(t, int32(1), once.Load())
	assert.Equal(t, int32(3), always.Load())
	assert.Equal(t, 1, Subscribers[memberJoined](b))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()
	b := New()
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 5; i++ {
		Subscribe[tick](b, func(ctx context.Context, n int) Control {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return Continue
		})
	}
	require.NoError(t, PublishWait[tick](context.Background(), b, 7))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestKindsSharingArgumentTypeAreSeparate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	var joined, left atomic.Int32
	Subscribe[memberJoined](b, func(ctx context.Context, m member) Control {
		joined.Add(1)
		return Continue
	})
	Subscribe[memberLeft](b, func(ctx context.Context, m member) Control {
		left.Add(1)
		return Continue
	})

	require.NoError(t, PublishWait[memberJoined](ctx, b, member{ID: 1}))
	require.NoError(t, PublishWait[memberJoined](ctx, b, member{ID: 2}))
	require.NoError(t, PublishWait[memberLeft](ctx, b, member{ID: 1}))

	assert.Equal(t, int32(2), joined.Load())
	assert.Equal(t, int32(1), left.Load())
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := New(WithLogger(logx.NewJSON(&buf, "debug")))

	var after atomic.Int32
	Subscribe[tick](b, func(ctx context.Context, n int) Control { panic("handler bug") })
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		after.Add(1)
		return Continue
	})

	ctx := context.Background()
	require.NoError(t, PublishWait[tick](ctx, b, 1))
	require.NoError(t, PublishWait[tick](ctx, b, 2))

	assert.Equal(t, int32(2), after.Load())
	assert.Equal(t, 2, Subscribers[tick](b), "a panic counts as Continue")
	assert.Contains(t, buf.String(), "event handler panicked")
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var calls atomic.Int32
	unsub := Subscribe[tick](b, func(ctx context.Context, n int) Control {
		calls.Add(1)
		return Continue
	})
	require.NoError(t, PublishWait[tick](context.Background(), b, 1))
	unsub()
	unsub()
	require.NoError(t, PublishWait[tick](context.Background(), b, 2))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, Subscribers[tick](b))
}

func TestPublishDoesNotWaitForHandlers(t *testing.T) {
	t.Parallel()
	b := New()
	release := make(chan struct{})
	done := make(chan struct{})
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		<-release
		close(done)
		return Continue
	})

	returned := make(chan struct{})
	go func() {
		Publish[tick](b, 1)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
	<-done
	waitBus(t, b)
}

func TestStuckHandlerDoesNotStallLaterHandlers(t *testing.T) {
	t.Parallel()
	b := New(WithHandlerTimeout(50 * time.Millisecond))
	release := make(chan struct{})
	reached := make(chan struct{})
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		<-release
		return Stop
	})
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		close(reached)
		return Continue
	})

	require.NoError(t, PublishWait[tick](context.Background(), b, 1))
	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("second handler waited for the stuck one")
	}
	assert.Equal(t, 2, Subscribers[tick](b))

	close(release)
	waitBus(t, b)
	assert.Equal(t, 1, Subscribers[tick](b), "late Stop still unsubscribes")
}

func TestInlineHandlersWhenTimeoutDisabled(t *testing.T) {
	t.Parallel()
	b := New(WithHandlerTimeout(0))
	var calls atomic.Int32
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		calls.Add(1)
		return Stop
	})
	require.NoError(t, PublishWait[tick](context.Background(), b, 1))
	require.NoError(t, PublishWait[tick](context.Background(), b, 2))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, Subscribers[tick](b))
}

func TestHandlerMayPublish(t *testing.T) {
	t.Parallel()
	b := New()
	got := make(chan member, 1)
	Subscribe[memberJoined](b, func(ctx context.Context, m member) Control {
		Publish[memberLeft](b, m)
		return Continue
	})
	Subscribe[memberLeft](b, func(ctx context.Context, m member) Control {
		got <- m
		return Stop
	})
	Publish[memberJoined](b, member{ID: 9, Name: "nine"})

	select {
	case m := <-got:
		assert.Equal(t, int64(9), m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("nested publish was not delivered")
	}
}

func TestTapSeesEveryKind(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Tap(4)
	defer unsub()

	Publish[tick](b, 5)
	Publish[memberJoined](b, member{ID: 1})

	r1 := <-ch
	r2 := <-ch
	assert.Contains(t, r1.Kind, "tick")
	assert.Equal(t, 5, r1.Arg)
	assert.Contains(t, r2.Kind, "memberJoined")
	assert.False(t, r2.Time.IsZero())
}

func TestCloseClosesTapsAndDropsPublishes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Tap(1)
	var calls atomic.Int32
	Subscribe[tick](b, func(ctx context.Context, n int) Control {
		calls.Add(1)
		return Continue
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	_, open := <-ch
	assert.False(t, open)
	unsub() // safe after Close

	Publish[tick](b, 1)
	waitBus(t, b)
	assert.Equal(t, int32(0), calls.Load())
}
