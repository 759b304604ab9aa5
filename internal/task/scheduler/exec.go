package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	logx "guildbot/pkg/logx"
)

// dispatch hands e to its own goroutine; the loop never waits for it.
func (s *Scheduler[T, E]) dispatch(e Entry[T]) {
	s.inflight.Add(1)
	s.execSup.Go0("task."+s.name, func(ctx context.Context) {
		defer s.inflight.Add(-1)
		s.execute(ctx, e)
	})
}

func (s *Scheduler[T, E]) execute(ctx context.Context, e Entry[T]) {
	start := s.now()
	lag := start.Sub(e.Deadline)
	s.metrics.Lag(ctx, s.name, lag)
	s.log.Debug("task started", logx.String("id", e.ID), logx.Duration("lag", lag))

	maxAttempts := 1 + s.opts.RetryMax
	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.attempt(ctx, e)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := s.backoff(attempt, err)
		s.log.Debug("task retry scheduled", logx.String("id", e.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	took := s.now().Sub(start)
	ev := s.event(e)
	ev.Attempts = attempts
	ev.Duration = took
	if err != nil {
		ev.Error = err.Error()
		s.failed.Add(1)
		s.metrics.Failed(ctx, s.name)
		s.log.Warn("task failed", logx.String("id", e.ID), logx.Int("attempts", attempts), logx.Duration("dur", took), logx.Err(err))
		emit[TaskFailed](s.bus, ev)
		return
	}
	s.executed.Add(1)
	s.metrics.Executed(ctx, s.name, took)
	if took >= 750*time.Millisecond {
		s.log.Info("task completed", logx.String("id", e.ID), logx.Int("attempts", attempts), logx.Duration("dur", took))
	} else {
		s.log.Debug("task completed", logx.String("id", e.ID), logx.Int("attempts", attempts), logx.Duration("dur", took))
	}
	emit[TaskExecuted](s.bus, ev)
}

// attempt runs the payload once; a panic becomes a non-retryable error.
func (s *Scheduler[T, E]) attempt(ctx context.Context, e Entry[T]) (err error) {
	if s.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExecTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("id", e.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return e.Payload.Execute(ctx, s.env)
}

// backoff doubles RetryBase per attempt up to RetryMaxDelay with jitter. A
// RetryAfter hint replaces the exponential delay.
func (s *Scheduler[T, E]) backoff(attempt int, err error) time.Duration {
	base := s.opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := s.opts.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := s.opts.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = base
		for i := 1; i < attempt && d < maxD; i++ {
			d *= 2
		}
	}
	d = min(d, maxD)
	if d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*j))
	}
	return min(max(d, 0), maxD)
}
