package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/felrt/fel/internal/masterclient"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// fakeStub is a masterclient.Stub test double. Only the methods
// Publisher/Subscriber actually call are wired to configurable hooks;
// everything else panics so an unexpected call fails loudly.
type fakeStub struct {
	mu sync.Mutex

	onPublishTopic     func(model.TopicInfo) status.Status
	onUnpublishTopic   func(string) status.Status
	onSubscribeTopic   func(string, model.ChannelKindSet) (masterclient.SubscribeTopicResult, status.Status)
	onUnsubscribeTopic func(string) status.Status

	published   []model.TopicInfo
	unpublished []string
}

func (f *fakeStub) RegisterClient(ctx context.Context, req model.ClientInfo, done func(masterclient.RegisterClientResult, status.Status)) {
	panic("fakeStub: RegisterClient not used by pubsub tests")
}

func (f *fakeStub) UnregisterClient(ctx context.Context, done func(status.Status)) {
	panic("fakeStub: UnregisterClient not used by pubsub tests")
}

func (f *fakeStub) ListClients(ctx context.Context, done func([]model.ClientInfo, status.Status)) {
	panic("fakeStub: ListClients not used by pubsub tests")
}

func (f *fakeStub) RegisterNode(ctx context.Context, req model.NodeInfo, done func(masterclient.RegisterNodeResult, status.Status)) {
	panic("fakeStub: RegisterNode not used by pubsub tests")
}

func (f *fakeStub) UnregisterNode(ctx context.Context, req model.NodeInfo, done func(status.Status)) {
	panic("fakeStub: UnregisterNode not used by pubsub tests")
}

func (f *fakeStub) ListNodes(ctx context.Context, done func([]model.NodeInfo, status.Status)) {
	panic("fakeStub: ListNodes not used by pubsub tests")
}

func (f *fakeStub) PublishTopic(ctx context.Context, req model.TopicInfo, done func(status.Status)) {
	f.mu.Lock()
	f.published = append(f.published, req)
	f.mu.Unlock()
	st := status.OK()
	if f.onPublishTopic != nil {
		st = f.onPublishTopic(req)
	}
	go done(st)
}

func (f *fakeStub) UnpublishTopic(ctx context.Context, name string, done func(status.Status)) {
	f.mu.Lock()
	f.unpublished = append(f.unpublished, name)
	f.mu.Unlock()
	st := status.OK()
	if f.onUnpublishTopic != nil {
		st = f.onUnpublishTopic(name)
	}
	go done(st)
}

func (f *fakeStub) SubscribeTopic(ctx context.Context, name string, kinds model.ChannelKindSet, done func(masterclient.SubscribeTopicResult, status.Status)) {
	var res masterclient.SubscribeTopicResult
	st := status.OK()
	if f.onSubscribeTopic != nil {
		res, st = f.onSubscribeTopic(name, kinds)
	}
	go done(res, st)
}

func (f *fakeStub) UnsubscribeTopic(ctx context.Context, name string, done func(status.Status)) {
	st := status.OK()
	if f.onUnsubscribeTopic != nil {
		st = f.onUnsubscribeTopic(name)
	}
	go done(st)
}

func (f *fakeStub) ListTopics(ctx context.Context, done func([]model.TopicInfo, status.Status)) {
	panic("fakeStub: ListTopics not used by pubsub tests")
}

func (f *fakeStub) RegisterServiceClient(ctx context.Context, name string, done func(masterclient.RegisterServiceClientResult, status.Status)) {
	panic("fakeStub: RegisterServiceClient not used by pubsub tests")
}

func (f *fakeStub) UnregisterServiceClient(ctx context.Context, name string, done func(status.Status)) {
	panic("fakeStub: UnregisterServiceClient not used by pubsub tests")
}

func (f *fakeStub) RegisterServiceServer(ctx context.Context, req model.ServiceInfo, done func(status.Status)) {
	panic("fakeStub: RegisterServiceServer not used by pubsub tests")
}

func (f *fakeStub) UnregisterServiceServer(ctx context.Context, name string, done func(status.Status)) {
	panic("fakeStub: UnregisterServiceServer not used by pubsub tests")
}

func (f *fakeStub) ListServices(ctx context.Context, done func([]model.ServiceInfo, status.Status)) {
	panic("fakeStub: ListServices not used by pubsub tests")
}

func (f *fakeStub) Close() error { return nil }
