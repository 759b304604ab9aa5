package scheduler

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/store"
	logx "guildbot/pkg/logx"
)

const defaultInboxSize = 64

// Scheduler owns the pending tasks of one payload type T and runs them
// against env once their deadline passes.
//
// The queue belongs to a single control loop; callers reach it only through
// the inbox (Submit, Cancel). The loop persists the residual queue before it
// hands due tasks to execution, so a crash can repeat a task but never lose
// one.
type Scheduler[T Task[E], E any] struct {
	env     E
	opts    Options
	name    string
	log     logx.Logger
	bus     *eventbus.Bus
	metrics Metrics
	now     func() time.Time
	file    *store.Store[[]Entry[T]]

	inbox   chan op[T]
	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}

	// mu orders senders against Close: a sender holds the read lock for the
	// whole send so Close sets closed only once every accepted op is in the
	// inbox. The loop reads closed without mu so it keeps draining while
	// Close waits for blocked senders.
	mu      sync.RWMutex
	closed  atomic.Bool
	startMu sync.Mutex
	started atomic.Bool
	stopped bool // Stop before Start

	loopSup *rtsup.Supervisor
	execSup *rtsup.Supervisor

	queue []Entry[T] // loop-owned, sorted by deadline
	view  atomic.Pointer[[]Entry[T]]

	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	inflight  atomic.Int64
}

// New builds a scheduler. Nothing runs until Start.
func New[T Task[E], E any](env E, opts Options) *Scheduler[T, E] {
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.Name == "" {
		opts.Name = "tasks"
		if opts.Path != "" {
			opts.Name = strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
		}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Scheduler[T, E]{
		env:     env,
		opts:    opts,
		name:    opts.Name,
		log:     opts.Logger.With(logx.String("comp", "scheduler"), logx.String("scheduler", opts.Name)),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		now:     opts.Clock,
		inbox:   make(chan op[T], opts.InboxSize),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.Path != "" {
		s.file = store.New(opts.Path, store.JSON[[]Entry[T]](), store.Options{Locks: opts.Locks, Log: s.log})
	}
	empty := []Entry[T]{}
	s.view.Store(&empty)
	return s
}

func (s *Scheduler[T, E]) Name() string { return s.name }

// Start loads the persisted queue and starts the control loop. A queue file
// that cannot be read or decoded is logged and treated as empty; the next
// persist overwrites it. Calling Start again is a no-op.
func (s *Scheduler[T, E]) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started.Load() {
		return nil
	}
	if s.stopped {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.queue = s.load(ctx)
	s.publishView()

	s.loopSup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	// Executions outlive the loop on Stop until the caller's deadline.
	s.execSup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.started.Store(true)
	s.loopSup.Go(s.name+".loop", s.run)

	s.log.Info("scheduler started", logx.Int("pending", len(s.queue)))
	return nil
}

func (s *Scheduler[T, E]) load(ctx context.Context) []Entry[T] {
	if s.file == nil {
		return nil
	}
	q, err := store.Read[[]Entry[T]](ctx, s.file)
	if err != nil {
		s.log.Warn("queue file unreadable; starting empty", logx.String("path", s.file.Path()), logx.Err(err))
		return nil
	}
	q = slices.DeleteFunc(q, func(e Entry[T]) bool { return e.ID == "" })
	slices.SortStableFunc(q, byDeadline[T])
	return q
}

// Submit queues payload to run at deadline and returns its ID. A deadline in
// the past runs on the next wake. It blocks only while the inbox is full.
func (s *Scheduler[T, E]) Submit(ctx context.Context, deadline time.Time, payload T) (string, error) {
	e := Entry[T]{ID: uuid.NewString(), Deadline: deadline, Payload: payload}
	if err := s.SubmitEntry(ctx, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// SubmitEntry queues a prepared entry. An entry whose ID is already pending
// replaces it.
func (s *Scheduler[T, E]) SubmitEntry(ctx context.Context, e Entry[T]) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.send(ctx, op[T]{kind: opSubmit, entry: e}, true)
}

// Cancel removes every pending task whose payload matches. It takes effect by
// the next wake, never interrupts a running task, and matching nothing is not
// an error. Cancellation is still accepted after Close while the queue drains.
func (s *Scheduler[T, E]) Cancel(ctx context.Context, match func(T) bool) error {
	if match == nil {
		return nil
	}
	return s.send(ctx, op[T]{kind: opCancel, match: func(e Entry[T]) bool { return match(e.Payload) }}, false)
}

// CancelID removes the pending task with the given ID.
func (s *Scheduler[T, E]) CancelID(ctx context.Context, id string) error {
	return s.send(ctx, op[T]{kind: opCancel, match: func(e Entry[T]) bool { return e.ID == id }}, false)
}

func (s *Scheduler[T, E]) send(ctx context.Context, o op[T], submit bool) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if submit && s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.inbox <- o:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	s.signal()
	return nil
}

func (s *Scheduler[T, E]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting submissions. The loop keeps running the remaining
// queue and exits once it is empty; recurring tasks are not rescheduled after
// Close. Safe to call more than once.
func (s *Scheduler[T, E]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.closed.Store(true)
	close(s.closing)
}

// Stop closes the scheduler and ends the loop now, leaving pending tasks
// persisted. It then waits for running tasks until ctx ends, after which
// their contexts are cancelled.
func (s *Scheduler[T, E]) Stop(ctx context.Context) error {
	s.Close()
	s.startMu.Lock()
	if !s.started.Load() {
		if !s.stopped {
			s.stopped = true
			close(s.done)
		}
		s.startMu.Unlock()
		return nil
	}
	s.startMu.Unlock()
	s.loopSup.Cancel()
	if err := s.loopSup.Wait(ctx); err != nil {
		return err
	}
	if err := s.execSup.Wait(ctx); err != nil {
		s.execSup.Cancel()
		return err
	}
	return nil
}

// Done is closed when the control loop exits.
func (s *Scheduler[T, E]) Done() <-chan struct{} { return s.done }

// Pending returns the queue as of the last wake, sorted by deadline.
func (s *Scheduler[T, E]) Pending() []Entry[T] {
	return slices.Clone(*s.view.Load())
}

func (s *Scheduler[T, E]) Snapshot() Stats {
	q := *s.view.Load()
	st := Stats{
		Name:      s.name,
		Running:   s.started.Load() && !isDone(s.done),
		Closed:    s.closed.Load(),
		Pending:   len(q),
		InFlight:  s.inflight.Load(),
		Submitted: s.submitted.Load(),
		Executed:  s.executed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
	}
	if len(q) > 0 {
		st.NextDeadline = q[0].Deadline
	}
	return st
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// run is the control loop: drain the inbox, split off due entries, persist,
// dispatch, then sleep until the earliest deadline or a wake signal.
func (s *Scheduler[T, E]) run(ctx context.Context) error {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	closing := s.closing
	for {
		// Read before draining: every submission accepted before Close is
		// already in the inbox once closed is observed.
		closed := s.closed.Load()
		s.drain(ctx)

		now := s.now()
		due := s.takeDue(now, closed)
		s.persist(ctx)
		s.publishView()
		for _, e := range due {
			s.dispatch(e)
		}

		if closed {
			closing = nil
			if len(s.queue) == 0 {
				s.log.Info("scheduler drained after close")
				return nil
			}
		}

		var fire <-chan time.Time
		if len(s.queue) > 0 {
			timer.Reset(max(s.queue[0].Deadline.Sub(s.now()), 0))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			s.log.Debug("scheduler loop stopped", logx.Int("pending", len(s.queue)))
			return nil
		case <-s.wake:
		case <-fire:
		case <-closing:
		}
		timer.Stop()
	}
}

func (s *Scheduler[T, E]) drain(ctx context.Context) {
	for {
		select {
		case o := <-s.inbox:
			s.apply(ctx, o)
		default:
			return
		}
	}
}

func (s *Scheduler[T, E]) apply(ctx context.Context, o op[T]) {
	switch o.kind {
	case opSubmit:
		s.insert(o.entry)
		s.submitted.Add(1)
		s.metrics.Submitted(ctx, s.name)
		s.log.Debug("task submitted", logx.String("id", o.entry.ID), logx.Time("deadline", o.entry.Deadline))
		emit[TaskSubmitted](s.bus, s.event(o.entry))

	case opCancel:
		var removed []Entry[T]
		s.queue = slices.DeleteFunc(s.queue, func(e Entry[T]) bool {
			if o.match(e) {
				removed = append(removed, e)
				return true
			}
			return false
		})
		if len(removed) == 0 {
			return
		}
		s.cancelled.Add(uint64(len(removed)))
		s.metrics.Cancelled(ctx, s.name, len(removed))
		for _, e := range removed {
			s.log.Debug("task cancelled", logx.String("id", e.ID))
			emit[TaskCancelled](s.bus, s.event(e))
		}
	}
}

// takeDue removes entries with Deadline <= now. Recurring payloads get their
// next occurrence queued under the same ID in the same pass, so it is
// persisted together with the removal.
func (s *Scheduler[T, E]) takeDue(now time.Time, closed bool) []Entry[T] {
	n := 0
	for n < len(s.queue) && !s.queue[n].Deadline.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := slices.Clone(s.queue[:n])
	s.queue = slices.Delete(s.queue, 0, n)

	if closed {
		return due
	}
	for _, e := range due {
		r, ok := any(e.Payload).(Recurring)
		if !ok {
			continue
		}
		next, ok := r.Next(e.Deadline)
		if ok && !next.After(now) {
			// missed occurrences collapse into one run
			next, ok = r.Next(now)
		}
		if !ok {
			continue
		}
		s.insert(Entry[T]{ID: e.ID, Deadline: next, Payload: e.Payload})
		s.log.Debug("recurring task requeued", logx.String("id", e.ID), logx.Time("deadline", next))
	}
	return due
}

// insert places e by deadline, replacing any pending entry with its ID.
// Equal deadlines keep insertion order.
func (s *Scheduler[T, E]) insert(e Entry[T]) {
	s.queue = slices.DeleteFunc(s.queue, func(x Entry[T]) bool { return x.ID == e.ID })
	i, _ := slices.BinarySearchFunc(s.queue, e.Deadline, func(x Entry[T], t time.Time) int {
		if x.Deadline.After(t) {
			return 1
		}
		return -1
	})
	s.queue = slices.Insert(s.queue, i, e)
}

func (s *Scheduler[T, E]) persist(ctx context.Context) {
	if s.file == nil {
		return
	}
	q := slices.Clone(s.queue)
	if q == nil {
		q = []Entry[T]{}
	}
	// Write failures are logged by the store; the loop carries on and the
	// next wake tries again.
	if err := s.file.Replace(ctx, q); err != nil && ctx.Err() == nil {
		s.log.Debug("queue persist failed", logx.Err(err))
	}
}

func (s *Scheduler[T, E]) publishView() {
	v := slices.Clone(s.queue)
	if v == nil {
		v = []Entry[T]{}
	}
	s.view.Store(&v)
}

func (s *Scheduler[T, E]) event(e Entry[T]) TaskEvent {
	return TaskEvent{Scheduler: s.name, ID: e.ID, Deadline: e.Deadline}
}

func emit[K eventbus.Kind[TaskEvent]](bus *eventbus.Bus, ev TaskEvent) {
	if bus != nil {
		eventbus.Publish[K](bus, ev)
	}
}

func byDeadline[T any](a, b Entry[T]) int { return a.Deadline.Compare(b.Deadline) }
