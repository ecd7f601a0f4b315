package notify

import (
	"context"
	"testing"
	"time"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/wire"
)

type syncPoster struct{}

func (syncPoster) PostTask(fn func()) { fn() }

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

// dialMaster connects a fresh TCP channel to the watcher's advertised
// source, standing in for the master's single long-lived connection.
func dialMaster(t *testing.T, ctx context.Context, source model.ChannelSource) channel.Channel {
	t.Helper()
	c := channel.NewTCP(channel.DefaultMaxFrame, 4096)
	if st := c.Connect(ctx, source); !st.IsOK() {
		t.Fatalf("dial master stand-in: %v", st)
	}
	return c
}

func TestWatcherDispatchesByTopicKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := New(syncPoster{}, nil)
	defer w.Close()

	source, st := w.Listen(ctx)
	if !st.IsOK() {
		t.Fatalf("listen: %v", st)
	}
	master := dialMaster(t, ctx, source)
	defer master.Close()

	var gotA, gotB []Notification
	w.RegisterTopicCallback("camera/front", "a", func(n Notification) { gotA = append(gotA, n) })
	w.RegisterTopicCallback("camera/rear", "b", func(n Notification) { gotB = append(gotB, n) })

	raw, st := encodeNotification(Notification{
		Kind:  NewTopic,
		Topic: &model.TopicInfo{Name: "camera/front", MessageType: "image"},
	}, wire.JSON)
	if !st.IsOK() {
		t.Fatalf("encode: %v", st)
	}
	if st := master.SendMessage(ctx, raw, wire.Binary); !st.IsOK() {
		t.Fatalf("send: %v", st)
	}

	waitFor(t, time.Second, func() bool { return len(gotA) == 1 })
	if len(gotB) != 0 {
		t.Fatalf("topic b should not have been notified, got %v", gotB)
	}
	if gotA[0].Topic.Name != "camera/front" {
		t.Fatalf("unexpected payload: %+v", gotA[0])
	}
}

// TestWatcherUnsubscribeDuringCallback verifies a callback may
// unregister itself mid-dispatch because dispatch iterates a snapshot
// taken before delivery.
func TestWatcherUnsubscribeDuringCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := New(syncPoster{}, nil)
	defer w.Close()

	source, st := w.Listen(ctx)
	if !st.IsOK() {
		t.Fatalf("listen: %v", st)
	}
	master := dialMaster(t, ctx, source)
	defer master.Close()

	callCount := 0
	w.RegisterTopicCallback("t", "self", func(n Notification) {
		callCount++
		w.UnregisterTopicCallback("t", "self")
	})

	for i := 0; i < 2; i++ {
		raw, st := encodeNotification(Notification{Kind: TopicGone, Name: "t"}, wire.JSON)
		if !st.IsOK() {
			t.Fatalf("encode: %v", st)
		}
		if st := master.SendMessage(ctx, raw, wire.Binary); !st.IsOK() {
			t.Fatalf("send %d: %v", i, st)
		}
	}

	waitFor(t, time.Second, func() bool { return callCount >= 1 })
	time.Sleep(20 * time.Millisecond)
	if callCount != 1 {
		t.Fatalf("want exactly 1 call after self-unregister, got %d", callCount)
	}
}

func TestWatcherRejectsSecondPeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := New(syncPoster{}, nil)
	defer w.Close()

	source, st := w.Listen(ctx)
	if !st.IsOK() {
		t.Fatalf("listen: %v", st)
	}
	first := dialMaster(t, ctx, source)
	defer first.Close()
	second := dialMaster(t, ctx, source)
	defer second.Close()

	// The second connection is closed by the watcher; its next read
	// should observe EOF/connection reset rather than hang.
	_, st = second.ReceiveMessage(ctx)
	if st.IsOK() {
		t.Fatal("expected rejected second peer to fail on receive")
	}
}
