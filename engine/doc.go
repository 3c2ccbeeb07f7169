// Package engine defines the contract between the agent and a
// callback-driven transport engine, and ships [NetMulti], an engine that
// performs transfers with [net/http].
//
// An engine multiplexes many [Transfer]s. It never calls a [Handler] on its
// own: events are queued as I/O happens and dispatched only from
// [Multi.Perform], so a single goroutine that owns the Multi sees every
// callback. Only [Multi.Prepare] and [Multi.Wakeup] may be called from other
// goroutines.
//
// # Backpressure
//
// A Handler that cannot accept a body chunk returns [ErrPause] from Write.
// The engine keeps the chunk and stops reading that transfer's socket until
// [Multi.Unpause] is called for [DirWrite]; the chunk is then delivered again.
// Upload pulls pause the same way through Read and [DirRead].
package engine
