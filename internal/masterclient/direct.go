package masterclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// requestTagSize is the width of the method tag prefixing every
// direct-transport request, ahead of the JSON request body.
const requestTagSize = 4

// requestBody is the direct-transport's request frame, sent as
// <4-byte method tag><JSON requestBody>: the method name itself
// never travels on the wire, only its tag.
type requestBody struct {
	ID     uint64          `json:"id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// envelope is the direct-transport's response frame: an ID present
// means "response", absent means the frame is malformed (the direct
// transport, unlike the notification watcher, carries no unsolicited
// server-initiated frames). Responses carry no method tag -- only
// requests do.
type envelope struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

type pendingCall struct {
	respCh chan envelope
}

// DirectClient is the framed-TCP master transport: request ordering,
// correlation, and the read loop are adapted from
// internal/signal/client.go's call()/readLoop(), generalized from a
// subprocess's stdin/stdout pipe to a channel.Channel.
type DirectClient struct {
	conn   channel.Channel
	logger *slog.Logger

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]pendingCall
	writeMu sync.Mutex

	closed chan struct{}
}

// DialDirect connects to the master's direct-socket endpoint and
// begins the read loop.
func DialDirect(ctx context.Context, source model.ChannelSource, logger *slog.Logger) (*DirectClient, status.Status) {
	if logger == nil {
		logger = slog.Default()
	}
	conn := channel.NewTCP(channel.DefaultMaxFrame, 64*1024)
	if st := conn.Connect(ctx, source); !st.IsOK() {
		return nil, st
	}
	c := &DirectClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]pendingCall),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, status.OK()
}

func (c *DirectClient) readLoop() {
	defer close(c.closed)
	for {
		raw, st := c.conn.ReceiveMessage(context.Background())
		if !st.IsOK() {
			c.failAllPending(st)
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("masterclient: malformed response frame", "error", err)
			continue
		}
		c.mu.Lock()
		call, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("masterclient: response for unknown id", "id", env.ID)
			continue
		}
		call.respCh <- env
	}
}

func (c *DirectClient) failAllPending(st status.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		call.respCh <- envelope{ID: id, Error: &wireError{Code: uint32(st.Code), Message: st.Message}}
		delete(c.pending, id)
	}
}

// submitCall assigns the request id and writes it to the wire
// synchronously, in the caller's own goroutine, before call returns --
// this is what lets two state-mutating calls issued in order by one
// caller reach the wire in that same order. Only the wait for the
// response (awaitCall) happens off a spawned goroutine.
func (c *DirectClient) submitCall(ctx context.Context, method string, params any) (uint64, chan envelope, status.Status) {
	tag, ok := methodTags[method]
	if !ok {
		return 0, nil, status.WithTransport(codes.Internal, status.ErrFailedToSerialize, "masterclient: no wire tag for method %q", method)
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return 0, nil, status.WithTransport(codes.Internal, status.ErrFailedToSerialize, "masterclient marshal params: %v", err)
	}

	id := c.nextID.Add(1)
	respCh := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[id] = pendingCall{respCh: respCh}
	c.mu.Unlock()

	body, err := json.Marshal(requestBody{ID: id, Params: paramsRaw})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, nil, status.WithTransport(codes.Internal, status.ErrFailedToSerialize, "masterclient marshal request: %v", err)
	}
	raw := make([]byte, requestTagSize+len(body))
	binary.LittleEndian.PutUint32(raw[0:requestTagSize], tag)
	copy(raw[requestTagSize:], body)

	// writeMu serialises writes across concurrent callers; issuing the
	// write here, synchronously, rather than from a later-scheduled
	// goroutine, is what preserves submission order for a single
	// caller's back-to-back state-mutating calls.
	c.writeMu.Lock()
	st := c.conn.SendMessage(ctx, raw, wire.Binary)
	c.writeMu.Unlock()
	if !st.IsOK() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, nil, st
	}

	return id, respCh, status.OK()
}

// awaitCall blocks until the response for id arrives, ctx is
// cancelled, or the connection is torn down. Responses may complete
// out of order across ids; only submission order is guaranteed.
func (c *DirectClient) awaitCall(ctx context.Context, id uint64, respCh chan envelope, result any) status.Status {
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return status.Cancelled("masterclient call")
	case env := <-respCh:
		if env.Error != nil {
			return status.New(codes.Code(env.Error.Code), "%s", env.Error.Message)
		}
		if result != nil {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return status.WithTransport(codes.Internal, status.ErrFailedToParse, "masterclient unmarshal result: %v", err)
			}
		}
		return status.OK()
	case <-c.closed:
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "masterclient: connection closed")
	}
}

func (c *DirectClient) RegisterClient(ctx context.Context, req model.ClientInfo, done func(RegisterClientResult, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodRegisterClient, req)
	if !st.IsOK() {
		done(RegisterClientResult{}, st)
		return
	}
	go func() {
		var result RegisterClientResult
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) UnregisterClient(ctx context.Context, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnregisterClient, struct{}{})
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) ListClients(ctx context.Context, done func([]model.ClientInfo, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodListClients, struct{}{})
	if !st.IsOK() {
		done(nil, st)
		return
	}
	go func() {
		var result []model.ClientInfo
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) RegisterNode(ctx context.Context, req model.NodeInfo, done func(RegisterNodeResult, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodRegisterNode, req)
	if !st.IsOK() {
		done(RegisterNodeResult{}, st)
		return
	}
	go func() {
		var result RegisterNodeResult
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) UnregisterNode(ctx context.Context, req model.NodeInfo, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnregisterNode, req)
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) ListNodes(ctx context.Context, done func([]model.NodeInfo, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodListNodes, struct{}{})
	if !st.IsOK() {
		done(nil, st)
		return
	}
	go func() {
		var result []model.NodeInfo
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) PublishTopic(ctx context.Context, req model.TopicInfo, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodPublishTopic, req)
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) UnpublishTopic(ctx context.Context, name string, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnpublishTopic, byNameRequest{Name: name})
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) SubscribeTopic(ctx context.Context, name string, kinds model.ChannelKindSet, done func(SubscribeTopicResult, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodSubscribeTopic, subscribeTopicRequest{Name: name, Kinds: kinds})
	if !st.IsOK() {
		done(SubscribeTopicResult{}, st)
		return
	}
	go func() {
		var result SubscribeTopicResult
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) UnsubscribeTopic(ctx context.Context, name string, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnsubscribeTopic, byNameRequest{Name: name})
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) ListTopics(ctx context.Context, done func([]model.TopicInfo, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodListTopics, struct{}{})
	if !st.IsOK() {
		done(nil, st)
		return
	}
	go func() {
		var result []model.TopicInfo
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) RegisterServiceClient(ctx context.Context, name string, done func(RegisterServiceClientResult, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodRegisterServiceClient, byNameRequest{Name: name})
	if !st.IsOK() {
		done(RegisterServiceClientResult{}, st)
		return
	}
	go func() {
		var result RegisterServiceClientResult
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) UnregisterServiceClient(ctx context.Context, name string, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnregisterServiceClient, byNameRequest{Name: name})
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) RegisterServiceServer(ctx context.Context, req model.ServiceInfo, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodRegisterServiceServer, req)
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) UnregisterServiceServer(ctx context.Context, name string, done func(status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodUnregisterServiceServer, byNameRequest{Name: name})
	if !st.IsOK() {
		done(st)
		return
	}
	go func() { done(c.awaitCall(ctx, id, respCh, nil)) }()
}

func (c *DirectClient) ListServices(ctx context.Context, done func([]model.ServiceInfo, status.Status)) {
	id, respCh, st := c.submitCall(ctx, methodListServices, struct{}{})
	if !st.IsOK() {
		done(nil, st)
		return
	}
	go func() {
		var result []model.ServiceInfo
		st := c.awaitCall(ctx, id, respCh, &result)
		done(result, st)
	}()
}

func (c *DirectClient) Close() error {
	return c.conn.Close()
}
