// Package scheduler runs persisted, deadline-ordered tasks.
//
// One Scheduler holds the pending tasks of one payload type. Payloads carry
// their own Execute method and receive a shared environment value:
//
//	type Env struct{ Chat transport.Sender }
//
//	type Reminder struct{ Chat int64; Text string }
//
//	func (r Reminder) Execute(ctx context.Context, env Env) error { ... }
//
//	s := scheduler.New[Reminder](env, scheduler.Options{Path: "data/reminders.json"})
//	_ = s.Start(ctx)
//	id, _ := s.Submit(ctx, time.Now().Add(time.Hour), Reminder{...})
//
// The queue file is a JSON array of entries, rewritten atomically on every
// wake before due tasks run. Payloads implementing Recurring are requeued
// with their next deadline in the same write.
package scheduler
