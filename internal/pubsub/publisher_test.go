package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

func testFactory() channel.Factory {
	return channel.Factory{MaxFrame: channel.DefaultMaxFrame, SendBuffer: 4096, ReceiveBuffer: 4096}
}

// TestPublisherRequestPublishRegisters verifies a single RequestPublish
// opens a listener, sends PublishTopic, and transitions to Registered.
func TestPublisherRequestPublishRegisters(t *testing.T) {
	t.Parallel()
	stub := &fakeStub{}
	pub := NewPublisher(stub, testFactory(), nil, nil)

	doneCh := make(chan status.Status, 1)
	pub.RequestPublish(context.Background(), model.NodeInfo{Name: "pub"}, "chatter", "std/String",
		model.KindBit(model.KindTCP), model.DefaultPublisherSettings(), func(st status.Status) { doneCh <- st })

	select {
	case st := <-doneCh:
		if !st.IsOK() {
			t.Fatalf("RequestPublish: %v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RequestPublish")
	}
	if !pub.IsRegistered() {
		t.Fatalf("want Registered, got %v", pub.State())
	}
	if len(stub.published) != 1 || stub.published[0].Name != "chatter" {
		t.Fatalf("unexpected PublishTopic calls: %+v", stub.published)
	}
}

// TestPublisherSecondRequestPublishAlreadyExists verifies that a
// second RequestPublish before RequestUnpublish fails with
// ALREADY_EXISTS and leaves the existing registration untouched.
func TestPublisherSecondRequestPublishAlreadyExists(t *testing.T) {
	t.Parallel()
	stub := &fakeStub{}
	pub := NewPublisher(stub, testFactory(), nil, nil)

	first := make(chan status.Status, 1)
	pub.RequestPublish(context.Background(), model.NodeInfo{Name: "pub"}, "chatter", "std/String",
		model.KindBit(model.KindTCP), model.DefaultPublisherSettings(), func(st status.Status) { first <- st })
	<-first

	second := make(chan status.Status, 1)
	pub.RequestPublish(context.Background(), model.NodeInfo{Name: "pub"}, "chatter", "std/String",
		model.KindBit(model.KindTCP), model.DefaultPublisherSettings(), func(st status.Status) { second <- st })

	st := <-second
	if st.IsOK() {
		t.Fatal("want non-OK for duplicate RequestPublish")
	}
	if !pub.IsRegistered() {
		t.Fatalf("existing registration must survive, got %v", pub.State())
	}
	if len(stub.published) != 1 {
		t.Fatalf("master must not see a second PublishTopic, got %+v", stub.published)
	}
}

// subscriberPeer connects a bare channel.Channel to the publisher's
// sole TCP listener, standing in for a full Subscriber so Publish/
// back-pressure tests don't need the notification watcher plumbing.
func subscriberPeer(t *testing.T, source model.ChannelSource) channel.Channel {
	t.Helper()
	ch := channel.NewTCP(channel.DefaultMaxFrame, 4096)
	if st := ch.Connect(context.Background(), source); !st.IsOK() {
		t.Fatalf("peer connect: %v", st)
	}
	return ch
}

func publishAndWaitPeer(t *testing.T, pub *Publisher, stub *fakeStub, kind model.ChannelKindSet, settings model.PublisherSettings) (model.ChannelSource, channel.Channel) {
	t.Helper()
	done := make(chan status.Status, 1)
	pub.RequestPublish(context.Background(), model.NodeInfo{Name: "pub"}, "chatter", "std/String", kind, settings, func(st status.Status) { done <- st })
	if st := <-done; !st.IsOK() {
		t.Fatalf("RequestPublish: %v", st)
	}
	if len(stub.published) != 1 || len(stub.published[0].Sources) != 1 {
		t.Fatalf("expected one advertised source, got %+v", stub.published)
	}
	source := stub.published[0].Sources[0]
	peer := subscriberPeer(t, source)
	waitFor(t, time.Second, func() bool { return pub.peerCount() == 1 })
	return source, peer
}

func (p *Publisher) peerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// TestPublisherFanOutDelivery verifies Publish delivers payloads, in
// order, to a connected peer.
func TestPublisherFanOutDelivery(t *testing.T) {
	t.Parallel()
	stub := &fakeStub{}
	pub := NewPublisher(stub, testFactory(), nil, nil)
	_, peer := publishAndWaitPeer(t, pub, stub, model.KindBit(model.KindTCP), model.DefaultPublisherSettings())
	defer peer.Close()

	if st := pub.Publish([]byte("hello\x00"), nil); !st.IsOK() {
		t.Fatalf("publish: %v", st)
	}
	if st := pub.Publish([]byte("world\x00"), nil); !st.IsOK() {
		t.Fatalf("publish: %v", st)
	}

	for _, want := range []string{"hello\x00", "world\x00"} {
		got, st := peer.ReceiveMessage(context.Background())
		if !st.IsOK() {
			t.Fatalf("receive: %v", st)
		}
		if string(got) != want {
			t.Fatalf("want %q, got %q", want, got)
		}
	}
}

// TestPublisherPeerDisconnectDoesNotUnregister verifies that a single
// peer disconnecting only drops that peer, leaving the publisher's
// topic registration intact.
func TestPublisherPeerDisconnectDoesNotUnregister(t *testing.T) {
	t.Parallel()
	stub := &fakeStub{}
	pub := NewPublisher(stub, testFactory(), nil, nil)
	_, peer := publishAndWaitPeer(t, pub, stub, model.KindBit(model.KindTCP), model.DefaultPublisherSettings())
	peer.Close()

	waitFor(t, time.Second, func() bool { return pub.peerCount() == 0 })
	if !pub.IsRegistered() {
		t.Fatalf("publisher must remain registered after a peer drop, got %v", pub.State())
	}
}

// TestPublisherRequestUnpublishTearsDown verifies RequestUnpublish
// sends UnpublishTopic, closes listeners/peers, and returns to
// Unregistered.
func TestPublisherRequestUnpublishTearsDown(t *testing.T) {
	t.Parallel()
	stub := &fakeStub{}
	pub := NewPublisher(stub, testFactory(), nil, nil)
	_, peer := publishAndWaitPeer(t, pub, stub, model.KindBit(model.KindTCP), model.DefaultPublisherSettings())
	defer peer.Close()

	done := make(chan status.Status, 1)
	pub.RequestUnpublish(context.Background(), func(st status.Status) { done <- st })
	if st := <-done; !st.IsOK() {
		t.Fatalf("RequestUnpublish: %v", st)
	}
	if !pub.IsUnregistered() {
		t.Fatalf("want Unregistered, got %v", pub.State())
	}
	if len(stub.unpublished) != 1 || stub.unpublished[0] != "chatter" {
		t.Fatalf("unexpected UnpublishTopic calls: %v", stub.unpublished)
	}
}
