package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/masterclient"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/notify"
	"github.com/felrt/fel/internal/status"
)

// baseBackoff/maxBackoff are the Subscriber's own reconnect schedule,
// narrower than connwatch.DefaultBackoffConfig()'s 2s/60s schedule, so
// the Subscriber keeps its own exponential counter rather than
// wrapping a connwatch.Watcher (see DESIGN.md).
const (
	baseBackoff = 100 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// NotifyRegistrar is the narrow slice of notify.Watcher a Subscriber
// needs: register/unregister a per-topic callback. Matches the same
// minimal-interface convention as Poster.
type NotifyRegistrar interface {
	RegisterTopicCallback(topic string, opaque any, fn func(notify.Notification))
	UnregisterTopicCallback(topic string, opaque any)
}

// Subscriber implements the per-topic inbound flow: it
// registers a notification callback for topic changes, connects to
// whichever advertised source its channel_kinds_bitmask prefers, and
// dispatches received messages to on_message on the task runner.
type Subscriber struct {
	stub      masterclient.Stub
	factory   channel.Factory
	registrar NotifyRegistrar
	poster    Poster
	logger    *slog.Logger

	nodeInfo model.NodeInfo
	topic    string

	mu        sync.Mutex
	state     State
	kinds     model.ChannelKindSet
	settings  model.SubscriberSettings
	onMessage func([]byte)
	onError   func(status.Status)

	peer           channel.Channel
	lastSource     model.ChannelSource
	haveLastSource bool
	backoff        time.Duration

	inbox *ring
	wake  chan struct{}

	cancel context.CancelFunc
}

// NewSubscriber constructs an unregistered Subscriber.
func NewSubscriber(stub masterclient.Stub, factory channel.Factory, registrar NotifyRegistrar, poster Poster, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{stub: stub, factory: factory, registrar: registrar, poster: poster, logger: logger}
}

func (s *Subscriber) post(fn func()) {
	if s.poster != nil {
		s.poster.PostTask(fn)
		return
	}
	fn()
}

// State reports the current registration state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) IsRegistered() bool   { return s.State() == Registered }
func (s *Subscriber) IsUnregistered() bool { return s.State() == Unregistered }

// RequestSubscribe registers a per-topic notification callback, then
// sends SubscribeTopic to the master. A second call before
// RequestUnsubscribe fails with ALREADY_EXISTS.
func (s *Subscriber) RequestSubscribe(ctx context.Context, nodeInfo model.NodeInfo, topic string, kinds model.ChannelKindSet, onMessage func([]byte), onError func(status.Status), settings model.SubscriberSettings, done func(status.Status)) {
	s.mu.Lock()
	if s.state != Unregistered {
		st := s.state
		s.mu.Unlock()
		s.post(func() { done(status.New(codes.AlreadyExists, "subscriber for topic %q already %s", topic, st)) })
		return
	}
	s.state = Registering
	s.nodeInfo, s.topic, s.kinds = nodeInfo, topic, kinds
	s.onMessage, s.onError = onMessage, onError
	s.settings = settings
	if s.settings.QueueSize <= 0 {
		s.settings.QueueSize = model.DefaultSubscriberSettings().QueueSize
	}
	s.backoff = baseBackoff
	s.haveLastSource = false
	s.inbox = newRing(s.settings.QueueSize)
	s.wake = make(chan struct{}, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.registrar.RegisterTopicCallback(topic, s, func(n notify.Notification) { s.onNotification(runCtx, n) })

	s.stub.SubscribeTopic(ctx, topic, kinds, func(res masterclient.SubscribeTopicResult, st status.Status) {
		if !st.IsOK() {
			s.registrar.UnregisterTopicCallback(topic, s)
			s.mu.Lock()
			s.state = Unregistered
			s.cancel = nil
			s.mu.Unlock()
			cancel()
			s.post(func() { done(st) })
			return
		}
		s.mu.Lock()
		s.state = Registered
		s.mu.Unlock()
		go s.dispatchLoop(runCtx)
		if len(res.Topic.Sources) > 0 {
			topicInfo := res.Topic
			s.onNotification(runCtx, notify.Notification{Kind: notify.NewTopic, Topic: &topicInfo})
		}
		s.post(func() { done(status.OK()) })
	})
}

// onNotification handles a notification delivered by the watcher for
// this subscriber's topic: NEW_TOPIC triggers a (possibly
// backed-off) reconnect attempt, TOPIC_GONE tears down the current
// peer and waits for a fresh NEW_TOPIC.
func (s *Subscriber) onNotification(ctx context.Context, n notify.Notification) {
	switch n.Kind {
	case notify.NewTopic:
		if n.Topic == nil || n.Topic.Name != s.topic {
			return
		}
		s.mu.Lock()
		kinds := s.kinds
		s.mu.Unlock()
		source, ok := model.PickPreferred(kinds, n.Topic.Sources)
		if !ok {
			s.reportError(status.New(codes.NotFound, "subscriber: no advertised source for topic %q matches bitmask", s.topic))
			return
		}
		go s.reconnect(ctx, source)
	case notify.TopicGone:
		if n.Name != "" && n.Name != s.topic {
			return
		}
		s.disconnectPeer()
	}
}

// reconnect applies the exponential back-off only when the chosen
// source is the same one that just broke; a publisher advertising a
// new address is dialed immediately.
func (s *Subscriber) reconnect(ctx context.Context, source model.ChannelSource) {
	s.mu.Lock()
	if s.state != Registered || s.peer != nil {
		s.mu.Unlock()
		return
	}
	var delay time.Duration
	if s.haveLastSource && s.lastSource == source {
		delay = s.backoff
		s.backoff *= 2
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
	} else {
		s.backoff = baseBackoff
	}
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ch, st := s.factory.New(source.Kind)
	if !st.IsOK() {
		s.reportError(st)
		return
	}
	if st := ch.Connect(ctx, source); !st.IsOK() {
		s.reportError(st)
		return
	}

	s.mu.Lock()
	if s.state != Registered || s.peer != nil {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.peer = ch
	s.mu.Unlock()

	s.receiveLoop(ctx, ch, source)
}

// receiveLoop reads one framed message at a time, validating JSON
// payloads when the subscriber was configured for the JSON codec; a
// channel break reports ERR_SOCKET_CLOSED and returns, leaving
// reconnection to the next NEW_TOPIC notification rather than
// retrying blindly.
func (s *Subscriber) receiveLoop(ctx context.Context, ch channel.Channel, source model.ChannelSource) {
	for {
		raw, st := ch.ReceiveMessage(ctx)
		if !st.IsOK() {
			s.mu.Lock()
			if s.peer == ch {
				s.peer = nil
			}
			s.lastSource, s.haveLastSource = source, true
			s.mu.Unlock()
			_ = ch.Close()
			s.reportError(st)
			return
		}

		s.mu.Lock()
		jsonEnc := s.settings.JSONEncoding
		s.mu.Unlock()
		if jsonEnc && !json.Valid(raw) {
			s.reportError(status.WithTransport(codes.InvalidArgument, status.ErrFailedToParse, "subscriber: invalid JSON payload on topic %q", s.topic))
			continue
		}

		s.inbox.push(raw)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// dispatchLoop drains the inbound queue onto the task runner, pacing
// deliveries to at most one per settings.Period (faster arrivals are
// already coalesced newest-wins by the bounded queue itself).
func (s *Subscriber) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			v, ok := s.inbox.pop()
			if !ok {
				break
			}
			raw := v.([]byte)
			s.mu.Lock()
			cb := s.onMessage
			period := time.Duration(s.settings.Period) * time.Millisecond
			s.mu.Unlock()
			if cb != nil {
				s.post(func() { cb(raw) })
			}
			if period > 0 {
				timer := time.NewTimer(period)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}
}

func (s *Subscriber) reportError(st status.Status) {
	s.mu.Lock()
	cb := s.onError
	s.mu.Unlock()
	if cb != nil {
		s.post(func() { cb(st) })
	}
}

func (s *Subscriber) disconnectPeer() {
	s.mu.Lock()
	ch := s.peer
	s.peer = nil
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// RequestUnsubscribe unregisters the notification callback, sends
// UnsubscribeTopic, closes any open channel, and drops pending
// messages.
func (s *Subscriber) RequestUnsubscribe(ctx context.Context, done func(status.Status)) {
	s.mu.Lock()
	if s.state != Registered {
		st := s.state
		topic := s.topic
		s.mu.Unlock()
		s.post(func() { done(status.New(codes.FailedPrecondition, "subscriber for topic %q not %s, is %s", topic, Registered, st)) })
		return
	}
	s.state = Unregistering
	topic := s.topic
	cancel := s.cancel
	s.mu.Unlock()

	s.registrar.UnregisterTopicCallback(topic, s)

	s.stub.UnsubscribeTopic(ctx, topic, func(st status.Status) {
		if cancel != nil {
			cancel()
		}
		s.disconnectPeer()
		s.mu.Lock()
		s.state = Unregistered
		s.cancel = nil
		s.inbox = newRing(s.settings.QueueSize)
		s.mu.Unlock()
		s.post(func() { done(st) })
	})
}

// Close enforces that a Subscriber is Unregistered at destruction; if
// not, it logs an error and best-effort unregisters.
func (s *Subscriber) Close() {
	if s.IsUnregistered() {
		return
	}
	topic := s.topic
	s.logger.Error("subscriber destroyed while still registered, best-effort unregistering", "topic", topic)
	s.RequestUnsubscribe(context.Background(), func(status.Status) {})
}
