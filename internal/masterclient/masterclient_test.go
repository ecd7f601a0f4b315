package masterclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// methodNameByTag reverses methodTags, for a test double standing in
// for the master's direct-socket endpoint.
var methodNameByTag = func() map[uint32]string {
	m := make(map[uint32]string, len(methodTags))
	for name, tag := range methodTags {
		m[tag] = name
	}
	return m
}()

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

// fakeMaster stands in for the real master's direct-socket endpoint:
// it decodes one envelope per frame and replies via a handler table,
// echoing requests back on order of arrival per peer.
type fakeMaster struct {
	listener *channel.TCP
	source   model.ChannelSource
	handle   func(method string, params json.RawMessage) (result any, st status.Status)

	mu    sync.Mutex
	peers []channel.Channel
}

func newFakeMaster(t *testing.T, ctx context.Context, handle func(string, json.RawMessage) (any, status.Status)) *fakeMaster {
	t.Helper()
	l := channel.NewTCP(channel.DefaultMaxFrame, 64*1024)
	source, st := l.Listen(ctx)
	if !st.IsOK() {
		t.Fatalf("listen: %v", st)
	}
	m := &fakeMaster{listener: l, source: source, handle: handle}
	go l.AcceptLoop(ctx, func(peer channel.Channel) {
		m.mu.Lock()
		m.peers = append(m.peers, peer)
		m.mu.Unlock()
		go m.serve(ctx, peer)
	})
	return m
}

func (m *fakeMaster) serve(ctx context.Context, peer channel.Channel) {
	for {
		raw, st := peer.ReceiveMessage(ctx)
		if !st.IsOK() {
			return
		}
		if len(raw) < requestTagSize {
			continue
		}
		tag := binary.LittleEndian.Uint32(raw[:requestTagSize])
		method, ok := methodNameByTag[tag]
		if !ok {
			continue
		}
		var req requestBody
		if err := json.Unmarshal(raw[requestTagSize:], &req); err != nil {
			continue
		}
		result, st := m.handle(method, req.Params)
		resp := envelope{ID: req.ID}
		if !st.IsOK() {
			resp.Error = &wireError{Code: uint32(st.Code), Message: st.Message}
		} else {
			resultRaw, _ := json.Marshal(result)
			resp.Result = resultRaw
		}
		out, _ := json.Marshal(resp)
		if st := peer.SendMessage(ctx, out, wire.Binary); !st.IsOK() {
			return
		}
	}
}

func (m *fakeMaster) Close() {
	m.listener.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range m.peers {
		peer.Close()
	}
}

func TestDirectClientRegisterClientRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	master := newFakeMaster(t, ctx, func(method string, params json.RawMessage) (any, status.Status) {
		if method != methodRegisterClient {
			return nil, status.New(codes.Unimplemented, "unexpected method %s", method)
		}
		var req model.ClientInfo
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, status.New(codes.InvalidArgument, "bad params: %v", err)
		}
		req.ID = 7
		return RegisterClientResult{Client: req}, status.OK()
	})
	defer master.Close()

	client, st := DialDirect(ctx, master.source, nil)
	if !st.IsOK() {
		t.Fatalf("dial: %v", st)
	}
	defer client.Close()

	type outcome struct {
		result RegisterClientResult
		st     status.Status
	}
	done := make(chan outcome, 1)
	client.RegisterClient(ctx, model.ClientInfo{HeartBeatDurationMS: 500}, func(r RegisterClientResult, st status.Status) {
		done <- outcome{r, st}
	})

	select {
	case out := <-done:
		if !out.st.IsOK() {
			t.Fatalf("register: %v", out.st)
		}
		if out.result.Client.ID != 7 || out.result.Client.HeartBeatDurationMS != 500 {
			t.Fatalf("unexpected result: %+v", out.result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RegisterClient response")
	}
}

func TestDirectClientUnregisterClientRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var gotMethod string
	master := newFakeMaster(t, ctx, func(method string, params json.RawMessage) (any, status.Status) {
		gotMethod = method
		return struct{}{}, status.OK()
	})
	defer master.Close()

	client, st := DialDirect(ctx, master.source, nil)
	if !st.IsOK() {
		t.Fatalf("dial: %v", st)
	}
	defer client.Close()

	done := make(chan status.Status, 1)
	client.UnregisterClient(ctx, func(st status.Status) { done <- st })

	select {
	case st := <-done:
		if !st.IsOK() {
			t.Fatalf("unregister: %v", st)
		}
		if gotMethod != methodUnregisterClient {
			t.Fatalf("want method tag to resolve to %q, got %q", methodUnregisterClient, gotMethod)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for UnregisterClient response")
	}
}

func TestDirectClientPreservesSubmissionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var seen []string
	master := newFakeMaster(t, ctx, func(method string, params json.RawMessage) (any, status.Status) {
		var req byNameRequest
		_ = json.Unmarshal(params, &req)
		seen = append(seen, req.Name)
		return struct{}{}, status.OK()
	})
	defer master.Close()

	client, st := DialDirect(ctx, master.source, nil)
	if !st.IsOK() {
		t.Fatalf("dial: %v", st)
	}
	defer client.Close()

	const n = 20
	acks := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		client.PublishTopic(ctx, model.TopicInfo{Name: name}, func(status.Status) { acks <- struct{}{} })
	}
	for i := 0; i < n; i++ {
		<-acks
	}
	waitFor(t, time.Second, func() bool { return len(seen) == n })
	for i, name := range seen {
		if want := string(rune('a' + i)); name != want {
			t.Fatalf("request %d reached the master as %q, want %q (order %v)", i, name, want, seen)
		}
	}
}

func TestDirectClientFailsPendingOnDisconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	block := make(chan struct{})
	master := newFakeMaster(t, ctx, func(method string, params json.RawMessage) (any, status.Status) {
		<-block
		return struct{}{}, status.OK()
	})

	client, st := DialDirect(ctx, master.source, nil)
	if !st.IsOK() {
		t.Fatalf("dial: %v", st)
	}
	defer client.Close()

	done := make(chan status.Status, 1)
	client.UnpublishTopic(ctx, "camera/front", func(st status.Status) { done <- st })

	master.Close()
	close(block)

	select {
	case st := <-done:
		if st.IsOK() {
			t.Fatal("expected non-OK status after master disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect to fail pending call")
	}
}
