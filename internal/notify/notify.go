// Package notify implements the Notification Watcher: a
// TCP listener the master dials back on to push topic/service
// lifecycle events, and a keyed callback registry that fans each
// notification out to every listener registered under its key.
//
// The read loop routes each decoded frame to interested parties,
// logging and continuing on a malformed one, and the registration
// callback registry is dispatched keyed by topic/service name rather
// than broadcast flat -- a plain fanout bus would deliver every
// notification to every subscriber, which is not what per-topic
// registration needs.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// Kind identifies the notification variant pushed by the master.
type Kind int

const (
	NewTopic Kind = iota
	TopicGone
	NewService
	ServiceGone
)

func (k Kind) String() string {
	switch k {
	case NewTopic:
		return "NEW_TOPIC"
	case TopicGone:
		return "TOPIC_GONE"
	case NewService:
		return "NEW_SERVICE"
	case ServiceGone:
		return "SERVICE_GONE"
	default:
		return "UNKNOWN"
	}
}

// Notification is the decoded frame delivered to registered callbacks.
// Only the fields relevant to Kind are populated.
type Notification struct {
	Kind    Kind             `json:"kind"`
	Topic   *model.TopicInfo `json:"topic,omitempty"`
	Service *model.ServiceInfo `json:"service,omitempty"`
	Name    string           `json:"name,omitempty"`
}

// Key returns the topic or service name this notification dispatches
// under.
func (n Notification) Key() string {
	switch n.Kind {
	case NewTopic:
		if n.Topic != nil {
			return n.Topic.Name
		}
	case NewService:
		if n.Service != nil {
			return n.Service.Name
		}
	}
	return n.Name
}

// Poster delivers a closure onto the MasterProxy task runner. Notify
// depends on this narrow interface rather than internal/taskrunner
// directly so it stays testable without a full proxy.
type Poster interface {
	PostTask(func())
}

type callbackEntry struct {
	opaque any
	fn     func(Notification)
}

// Watcher listens for the master's notification connection and
// dispatches decoded frames to registered per-topic/per-service
// callbacks.
type Watcher struct {
	listener *channel.TCP
	poster   Poster
	logger   *slog.Logger

	mu       sync.Mutex
	topics   map[string][]callbackEntry
	services map[string][]callbackEntry
	peer     channel.Channel
}

// New constructs a Watcher that delivers callbacks through poster.
func New(poster Poster, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		listener: channel.NewTCP(channel.DefaultMaxFrame, 64*1024),
		poster:   poster,
		logger:   logger,
		topics:   make(map[string][]callbackEntry),
		services: make(map[string][]callbackEntry),
	}
}

// Listen binds a local TCP endpoint (reported to the master during
// RegisterClient) and begins accepting the master's single long-lived
// connection in the background. A second connection attempt while one
// is already active is rejected by closing it immediately; the master
// is expected to maintain exactly one.
func (w *Watcher) Listen(ctx context.Context) (model.ChannelSource, status.Status) {
	source, st := w.listener.Listen(ctx)
	if !st.IsOK() {
		return model.ChannelSource{}, st
	}
	go func() {
		_ = w.listener.AcceptLoop(ctx, func(peer channel.Channel) {
			w.mu.Lock()
			if w.peer != nil {
				w.mu.Unlock()
				_ = peer.Close()
				return
			}
			w.peer = peer
			w.mu.Unlock()
			go w.readLoop(ctx, peer)
		})
	}()
	return source, status.OK()
}

// readLoop decodes one notification frame at a time until the peer
// disconnects or ctx is cancelled, dispatching each to its registered
// callbacks.
func (w *Watcher) readLoop(ctx context.Context, peer channel.Channel) {
	defer func() {
		w.mu.Lock()
		if w.peer == peer {
			w.peer = nil
		}
		w.mu.Unlock()
	}()

	for {
		raw, st := peer.ReceiveMessage(ctx)
		if !st.IsOK() {
			if ctx.Err() == nil {
				w.logger.Warn("notification watcher: peer read failed", "error", st)
			}
			return
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			w.logger.Warn("notification watcher: malformed frame", "error", err)
			continue
		}
		w.dispatch(n)
	}
}

func (w *Watcher) dispatch(n Notification) {
	key := n.Key()
	w.mu.Lock()
	var snapshot []callbackEntry
	switch n.Kind {
	case NewTopic, TopicGone:
		snapshot = append(snapshot, w.topics[key]...)
	case NewService, ServiceGone:
		snapshot = append(snapshot, w.services[key]...)
	}
	w.mu.Unlock()

	for _, entry := range snapshot {
		cb := entry.fn
		if w.poster != nil {
			w.poster.PostTask(func() { cb(n) })
		} else {
			cb(n)
		}
	}
}

// RegisterTopicCallback registers fn to fire for every notification
// keyed by topic, identified for later Unregister by opaque.
func (w *Watcher) RegisterTopicCallback(topic string, opaque any, fn func(Notification)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.topics[topic] = append(w.topics[topic], callbackEntry{opaque: opaque, fn: fn})
}

// UnregisterTopicCallback removes the (topic, opaque) registration, if
// present. Safe to call from within a callback invoked by dispatch,
// since dispatch iterates over a snapshot taken before delivery.
func (w *Watcher) UnregisterTopicCallback(topic string, opaque any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.topics[topic] = removeEntry(w.topics[topic], opaque)
}

// RegisterServiceCallback registers fn to fire for every notification
// keyed by service name.
func (w *Watcher) RegisterServiceCallback(service string, opaque any, fn func(Notification)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.services[service] = append(w.services[service], callbackEntry{opaque: opaque, fn: fn})
}

// UnregisterServiceCallback removes the (service, opaque) registration.
func (w *Watcher) UnregisterServiceCallback(service string, opaque any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.services[service] = removeEntry(w.services[service], opaque)
}

func removeEntry(entries []callbackEntry, opaque any) []callbackEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.opaque != opaque {
			out = append(out, e)
		}
	}
	return out
}

// Close tears down the listener and any active peer connection.
func (w *Watcher) Close() error {
	w.mu.Lock()
	peer := w.peer
	w.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
	return w.listener.Close()
}

// encodeNotification is used by tests (and would be used by a master
// test double) to build the wire frame a real master sends.
func encodeNotification(n Notification, enc wire.Encoding) ([]byte, status.Status) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, status.WithTransport(codes.Internal, status.ErrFailedToSerialize, "notification marshal: %v", err)
	}
	return raw, status.OK()
}
