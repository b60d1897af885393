// Package events implements a small publish/subscribe broker for range
// lifecycle events. The orchestrator publishes phase, guest and task
// events; progress reporters subscribe to render them.
package events
