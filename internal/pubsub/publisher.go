// Package pubsub implements the communication layer: Publisher and
// Subscriber objects handling topic registration with the master,
// per-peer channel establishment, framing, and message dispatch to
// user callbacks.
//
// The per-peer bounded, newest-wins queue generalizes a rate-limiter's
// atomic-counters-reset-on-a-ticker shape into drop-oldest queueing,
// and the "reconnect from scratch on every fresh notification" shape
// of Subscriber mirrors an autopaho-style ConnectionManager, whose
// OnConnectionUp hook re-subscribes everything rather than assuming a
// durable session.
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
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// State is the Publisher/Subscriber registration state machine (spec
// §3): UNREGISTERED -> REGISTERING -> REGISTERED -> UNREGISTERING ->
// UNREGISTERED.
type State int

const (
	Unregistered State = iota
	Registering
	Registered
	Unregistering
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Registering:
		return "REGISTERING"
	case Registered:
		return "REGISTERED"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// Poster delivers a closure onto the MasterProxy task runner. Publisher
// and Subscriber depend on this narrow interface rather than
// internal/taskrunner directly, matching notify.Poster.
type Poster interface {
	PostTask(func())
}

// encodeMessage serialises message per jsonEnc, matching the
// heartbeat signaller's pattern of marshalling to JSON itself and
// handing the channel pre-serialised bytes under wire.Binary -- the
// channel's own enc parameter is reserved for wire-level framing
// choices, not payload codec selection.
func encodeMessage(message any, jsonEnc bool) ([]byte, status.Status) {
	if jsonEnc {
		raw, err := json.Marshal(message)
		if err != nil {
			return nil, status.WithTransport(codes.Internal, status.ErrFailedToSerialize, "json marshal: %v", err)
		}
		return raw, status.OK()
	}
	b, ok := message.([]byte)
	if !ok {
		return nil, status.WithTransport(codes.InvalidArgument, status.ErrFailedToSerialize, "binary encoding requires []byte payload, got %T", message)
	}
	return b, status.OK()
}

type outboundItem struct {
	payload []byte
	done    func(model.ChannelKind, status.Status)
}

type peerConn struct {
	ch   channel.Channel
	kind model.ChannelKind
	wake chan struct{}
	out  *ring

	stopOnce sync.Once
	stop     chan struct{}
}

func newPeerConn(ch channel.Channel, kind model.ChannelKind, queueSize int) *peerConn {
	return &peerConn{ch: ch, kind: kind, wake: make(chan struct{}, 1), out: newRing(queueSize), stop: make(chan struct{})}
}

// closeStop signals the sender (and, for accepted peers, the
// close-watcher) goroutines to exit. Safe to call more than once.
func (pc *peerConn) closeStop() {
	pc.stopOnce.Do(func() { close(pc.stop) })
}

// Publisher implements the per-topic outbound flow: it
// opens a listening Channel per requested kind, registers the topic
// with the master, and fans every Publish call out to its connected
// peer set through a bounded, newest-wins per-peer queue.
type Publisher struct {
	stub    masterclient.Stub
	factory channel.Factory
	poster  Poster
	logger  *slog.Logger

	nodeInfo model.NodeInfo
	topic    string
	msgType  string

	mu          sync.Mutex
	state       State
	settings    model.PublisherSettings
	listeners   map[model.ChannelKind]channel.Channel
	peers       []*peerConn
	lastPublish time.Time
	cancel      context.CancelFunc
}

// NewPublisher constructs an unregistered Publisher.
func NewPublisher(stub masterclient.Stub, factory channel.Factory, poster Poster, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		stub:      stub,
		factory:   factory,
		poster:    poster,
		logger:    logger,
		listeners: make(map[model.ChannelKind]channel.Channel),
	}
}

func (p *Publisher) post(fn func()) {
	if p.poster != nil {
		p.poster.PostTask(fn)
		return
	}
	fn()
}

// State reports the current registration state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) IsRegistered() bool   { return p.State() == Registered }
func (p *Publisher) IsUnregistered() bool { return p.State() == Unregistered }

// RequestPublish opens a listening Channel for every kind present in
// kinds, sends PublishTopic to the master, and transitions to
// Registered on success. A second call before RequestUnpublish fails
// with ALREADY_EXISTS without touching the previous state.
func (p *Publisher) RequestPublish(ctx context.Context, nodeInfo model.NodeInfo, topic, msgType string, kinds model.ChannelKindSet, settings model.PublisherSettings, done func(status.Status)) {
	p.mu.Lock()
	if p.state != Unregistered {
		st := p.state
		p.mu.Unlock()
		p.post(func() { done(status.New(codes.AlreadyExists, "publisher for topic %q already %s", topic, st)) })
		return
	}
	p.state = Registering
	p.nodeInfo, p.topic, p.msgType = nodeInfo, topic, msgType
	p.settings = settings
	if p.settings.QueueSize <= 0 {
		p.settings.QueueSize = model.DefaultPublisherSettings().QueueSize
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	var sources []model.ChannelSource
	opened := make(map[model.ChannelKind]channel.Channel)
	for _, k := range model.KindPreference {
		if !kinds.Has(k) {
			continue
		}
		ch, st := p.factory.New(k)
		if !st.IsOK() {
			p.logger.Warn("publisher: channel kind unavailable", "topic", topic, "kind", k, "error", st)
			continue
		}
		source, st := ch.Listen(runCtx)
		if !st.IsOK() {
			p.logger.Warn("publisher: kind does not support listening, skipping", "topic", topic, "kind", k, "error", st)
			continue
		}
		opened[k] = ch
		sources = append(sources, source)
	}
	if len(sources) == 0 {
		p.mu.Lock()
		p.state = Unregistered
		p.cancel = nil
		p.mu.Unlock()
		cancel()
		st := status.New(codes.InvalidArgument, "publisher: no requested channel kind could be opened for topic %q", topic)
		p.post(func() { done(st) })
		return
	}

	topicInfo := model.TopicInfo{Name: topic, MessageType: msgType, Sources: sources, Impl: model.ImplNative}
	p.stub.PublishTopic(ctx, topicInfo, func(st status.Status) {
		if !st.IsOK() {
			for _, ch := range opened {
				_ = ch.Close()
			}
			p.mu.Lock()
			p.state = Unregistered
			p.cancel = nil
			p.mu.Unlock()
			cancel()
			p.post(func() { done(st) })
			return
		}
		p.mu.Lock()
		p.listeners = opened
		p.state = Registered
		p.mu.Unlock()
		for k, ch := range opened {
			p.acceptOn(runCtx, k, ch)
		}
		p.post(func() { done(status.OK()) })
	})
}

// acceptOn starts accepting peers on a listening channel. SHM has no
// connection-oriented accept: the segment's handle/size travel through
// master metadata, and the one attaching peer is the segment itself,
// so the listener is promoted directly to the sole peer.
func (p *Publisher) acceptOn(ctx context.Context, kind model.ChannelKind, ch channel.Channel) {
	if kind == model.KindSHM {
		p.addPeer(kind, ch, false)
		return
	}
	go func() {
		_ = ch.AcceptLoop(ctx, func(peer channel.Channel) {
			p.addPeer(kind, peer, true)
		})
	}()
}

func (p *Publisher) addPeer(kind model.ChannelKind, ch channel.Channel, watchClose bool) {
	p.mu.Lock()
	if p.state != Registered {
		p.mu.Unlock()
		_ = ch.Close()
		return
	}
	pc := newPeerConn(ch, kind, p.settings.QueueSize)
	p.peers = append(p.peers, pc)
	p.mu.Unlock()

	go p.senderLoop(pc)
	if watchClose {
		go p.watchPeerClose(pc)
	}
}

// senderLoop enforces "at most one outstanding send per peer" by
// draining pc.out serially; a send failure disconnects only this
// peer, never the topic registration.
func (p *Publisher) senderLoop(pc *peerConn) {
	ctx := context.Background()
	for {
		select {
		case <-pc.stop:
			return
		case <-pc.wake:
		}
		for {
			v, ok := pc.out.pop()
			if !ok {
				break
			}
			item := v.(outboundItem)
			st := pc.ch.SendMessage(ctx, item.payload, wire.Binary)
			if item.done != nil {
				cb, outcome := item.done, st
				p.post(func() { cb(pc.kind, outcome) })
			}
			if !st.IsOK() {
				p.removePeer(pc)
				return
			}
		}
	}
}

// watchPeerClose passively detects a peer disconnecting: the
// subscriber side of a topic never writes back, so this goroutine's
// ReceiveMessage call simply blocks until the channel breaks.
func (p *Publisher) watchPeerClose(pc *peerConn) {
	for {
		_, st := pc.ch.ReceiveMessage(context.Background())
		if !st.IsOK() {
			p.removePeer(pc)
			return
		}
	}
}

func (p *Publisher) removePeer(pc *peerConn) {
	p.mu.Lock()
	found := false
	for i, x := range p.peers {
		if x == pc {
			p.peers = append(p.peers[:i], p.peers[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	pc.closeStop()
	if found {
		_ = pc.ch.Close()
	}
}

// Publish serialises message once, then enqueues it onto every
// currently connected peer's bounded outbound queue, dropping the
// oldest queued entry per peer once queue_size is exceeded
// (newest-wins). perSendDone fires once per peer send attempt, not
// once per Publish call.
func (p *Publisher) Publish(message any, perSendDone func(model.ChannelKind, status.Status)) status.Status {
	p.mu.Lock()
	if p.state != Registered {
		topic := p.topic
		p.mu.Unlock()
		return status.New(codes.FailedPrecondition, "publisher not registered for topic %q", topic)
	}
	if p.settings.Period > 0 {
		now := time.Now()
		period := time.Duration(p.settings.Period) * time.Millisecond
		if !p.lastPublish.IsZero() && now.Sub(p.lastPublish) < period {
			p.mu.Unlock()
			return status.OK()
		}
		p.lastPublish = now
	}
	peers := append([]*peerConn(nil), p.peers...)
	jsonEnc := p.settings.JSONEncoding
	p.mu.Unlock()

	payload, st := encodeMessage(message, jsonEnc)
	if !st.IsOK() {
		return st
	}
	for _, pc := range peers {
		pc.out.push(outboundItem{payload: payload, done: perSendDone})
		select {
		case pc.wake <- struct{}{}:
		default:
		}
	}
	return status.OK()
}

// RequestUnpublish sends UnpublishTopic, closes all listening channels
// and peer connections, and drops every queue. Local resources are
// torn down even if the master is unreachable -- the master is left
// to garbage-collect the registration on heart-beat expiry (spec
// §4.G).
func (p *Publisher) RequestUnpublish(ctx context.Context, done func(status.Status)) {
	p.mu.Lock()
	if p.state != Registered {
		st := p.state
		topic := p.topic
		p.mu.Unlock()
		p.post(func() { done(status.New(codes.FailedPrecondition, "publisher for topic %q not %s, is %s", topic, Registered, st)) })
		return
	}
	p.state = Unregistering
	topic := p.topic
	p.mu.Unlock()

	p.stub.UnpublishTopic(ctx, topic, func(st status.Status) {
		p.teardown()
		p.post(func() { done(st) })
	})
}

func (p *Publisher) teardown() {
	p.mu.Lock()
	listeners := p.listeners
	peers := p.peers
	cancel := p.cancel
	p.listeners = make(map[model.ChannelKind]channel.Channel)
	p.peers = nil
	p.cancel = nil
	p.state = Unregistered
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range listeners {
		_ = ch.Close()
	}
	for _, pc := range peers {
		pc.closeStop()
		_ = pc.ch.Close()
	}
}

// Close enforces that a Publisher is Unregistered at destruction; if
// not, it logs an error and best-effort unregisters.
func (p *Publisher) Close() {
	if p.IsUnregistered() {
		return
	}
	topic := p.topic
	p.logger.Error("publisher destroyed while still registered, best-effort unregistering", "topic", topic)
	p.RequestUnpublish(context.Background(), func(status.Status) {})
}
