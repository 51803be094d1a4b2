// Package broadcast fans out item change events to subscribed sessions.
//
// Publish never blocks on subscribers. Each Subscription owns a bounded
// queue; when it overflows, content-only ItemMutated events are shed before
// lock transitions, and the subscriber is told which items lost events the
// next time it calls Next. Every event carries a per-item sequence number so
// subscribers can detect stale deliveries and gaps with a Tracker.
//
// SSEHandler and WebSocketHandler expose subscriptions over HTTP.
package broadcast
