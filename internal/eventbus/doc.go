// Package eventbus is the process-wide typed publish/subscribe registry.
//
// Event kinds are zero-size marker types implementing Kind[A]; handlers for a
// kind receive the argument type A with no runtime casting at the call site:
//
//	type GuildAdded struct{}
//
//	func (GuildAdded) Kind(Guild) {}
//
//	eventbus.Subscribe[GuildAdded](bus, func(ctx context.Context, g Guild) eventbus.Control {
//		return eventbus.Continue
//	})
//	eventbus.Publish[GuildAdded](bus, Guild{ID: 42})
//
// Publish never waits for handlers. Within one dispatch pass handlers run in
// registration order, each isolated from the others' panics; separate passes
// of the same kind are not ordered relative to each other.
package eventbus
