// Package lease implements time-bounded exclusive edit ownership of todo
// items.
//
// A Store keeps at most one live Lease per item and exposes compare-and-swap
// style operations. The Manager drives the Unlocked -> Locked(holder) ->
// Unlocked state machine on top of a Store: it grants, renews and releases
// leases, schedules one expiry timer per live lease and publishes lock
// transitions to a broadcast.Broadcaster.
//
// All transitions for the same item are serialized on a per-item slot, so
// operations on different items never wait on each other. Expiry timers carry
// the generation of the grant or renewal that scheduled them and a firing
// whose generation no longer matches is ignored.
package lease
