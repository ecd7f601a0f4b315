// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the MasterProxy's own lifecycle
// (node registration, master connectivity) to subscribers (a future
// debug endpoint, a CLI's --watch flag). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceProxy identifies events from the MasterProxy's own
	// lifecycle (state transitions, node registration).
	SourceProxy = "proxy"
	// SourceHeartbeat identifies events from the heartbeat signaller.
	SourceHeartbeat = "heartbeat"
	// SourceConnwatch identifies master-connectivity transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindNodeRegistered signals a node was registered with the master.
	// Data: name, client_id.
	KindNodeRegistered = "node_registered"
	// KindNodeUnregistered signals a node was unregistered.
	// Data: name.
	KindNodeUnregistered = "node_unregistered"
	// KindNodeRegisterFailed signals a node registration was refused.
	// Data: name, error.
	KindNodeRegisterFailed = "node_register_failed"

	// KindHeartbeatFatal signals the heartbeat signaller gave up after
	// consecutive send failures, which triggers a proxy Stop.
	// Data: error.
	KindHeartbeatFatal = "heartbeat_fatal"

	// KindMasterDown signals the master connectivity probe started
	// failing.
	// Data: error.
	KindMasterDown = "master_down"
	// KindMasterReady signals the master connectivity probe recovered
	// (or succeeded for the first time).
	// Data: none.
	KindMasterReady = "master_ready"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
