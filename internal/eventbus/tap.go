package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Record is the untyped view of a publish handed to taps.
//
// Taps are for observation (debug logging, audit), not for feature logic:
// delivery is best-effort and slow taps drop records.
type Record struct {
	Kind string
	Time time.Time
	Arg  any
}

type tapSet struct {
	mu   sync.RWMutex
	subs map[uint64]chan Record
	seq  atomic.Uint64
}

// Tap subscribes to every publish regardless of kind.
//
// Delivery never blocks the publisher: when the buffer is full the record is
// dropped. The channel is closed by unsubscribe or Bus.Close.
func (b *Bus) Tap(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Record, buffer)
	id := b.taps.seq.Add(1)

	b.taps.mu.Lock()
	b.taps.subs[id] = ch
	b.taps.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.taps.mu.Lock()
			if _, ok := b.taps.subs[id]; ok {
				delete(b.taps.subs, id)
				close(ch)
			}
			b.taps.mu.Unlock()
		})
	}
}

func (t *tapSet) emit(r Record) {
	// Sends happen under the read lock so a concurrent unsubscribe (write
	// lock) can never close a channel mid-send.
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func (t *tapSet) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
