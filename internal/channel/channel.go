// Package channel implements the polymorphic byte-stream/datagram
// transport: TCP, UDP, SHM, and WS variants behind one
// Channel interface, with a uniform framed-message layer built on
// internal/wire.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// noDeadline clears a connection's read/write deadline (time.Time zero
// value means "no deadline" per the net.Conn contract).
var noDeadline time.Time

// DefaultMaxFrame bounds the payload length a Channel accepts before
// failing a receive with ERR_CORRUPTED_HEADER. Callers needing a
// larger ceiling (e.g. a multi-megabyte payload) pass a larger value
// to New*.
const DefaultMaxFrame = 1 << 20

// Channel is a bidirectional framed-byte transport. Implementations
// guarantee at most one outstanding Send and at most one outstanding
// Receive; overlapping calls fail rather than queue.
type Channel interface {
	Kind() model.ChannelKind

	// Connect establishes a peer connection. For UDP it binds the
	// local port and records the remote address; for SHM it attaches
	// to a named segment.
	Connect(ctx context.Context, source model.ChannelSource) status.Status

	// Listen binds a local endpoint and returns its address. Only
	// TCP/WS/SHM-server support this.
	Listen(ctx context.Context) (model.ChannelSource, status.Status)

	// AcceptLoop invokes onAccept for each new peer. It blocks until
	// ctx is cancelled or the channel is closed; it never returns
	// otherwise.
	AcceptLoop(ctx context.Context, onAccept func(Channel)) status.Status

	// SendMessage frames payload with a Header and writes it. Fails
	// with ERR_WRITING_WHILE_SENDING if a previous send has not
	// completed.
	SendMessage(ctx context.Context, payload []byte, enc wire.Encoding) status.Status

	// ReceiveMessage reads exactly one framed message. Fails with
	// ERR_READING_WHILE_RECEIVING if already receiving.
	ReceiveMessage(ctx context.Context) ([]byte, status.Status)

	// SetDynamicSendBuffer/SetDynamicReceiveBuffer: when enabled, the
	// buffer grows to the frame size; when disabled, an oversized
	// frame yields ERR_NOT_ENOUGH_BUFFER and the caller decides
	// whether to resize and retry.
	SetDynamicSendBuffer(enabled bool)
	SetDynamicReceiveBuffer(enabled bool)

	// Close tears the channel down. Pending Send/Receive callers
	// observe ERR_SOCKET_CLOSED.
	Close() error
}

// inflight enforces the "at most one outstanding send/receive" rule
// shared by every Channel implementation.
type inflight struct {
	sending   atomic.Bool
	receiving atomic.Bool
	closed    atomic.Bool
}

func (f *inflight) beginSend() status.Status {
	if f.closed.Load() {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "channel closed")
	}
	if !f.sending.CompareAndSwap(false, true) {
		return status.WithTransport(codes.FailedPrecondition, status.ErrWritingWhileSending, "send already in progress")
	}
	return status.OK()
}

func (f *inflight) endSend() { f.sending.Store(false) }

func (f *inflight) beginReceive() status.Status {
	if f.closed.Load() {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "channel closed")
	}
	if !f.receiving.CompareAndSwap(false, true) {
		return status.WithTransport(codes.FailedPrecondition, status.ErrReadingWhileReceiving, "receive already in progress")
	}
	return status.OK()
}

func (f *inflight) endReceive() { f.receiving.Store(false) }

func (f *inflight) markClosed() { f.closed.Store(true) }

// bufferConfig tracks the SetDynamicSendBuffer/SetDynamicReceiveBuffer
// toggles and the configured maximum frame size.
type bufferConfig struct {
	mu              sync.Mutex
	maxFrame        uint32
	dynamicSend     bool
	dynamicReceive  bool
	fixedSendSize   int
	fixedRecvSize   int
}

func newBufferConfig(maxFrame uint32, bufSize int) *bufferConfig {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferConfig{maxFrame: maxFrame, fixedSendSize: bufSize, fixedRecvSize: bufSize}
}

func (b *bufferConfig) setDynamicSend(v bool) {
	b.mu.Lock()
	b.dynamicSend = v
	b.mu.Unlock()
}

func (b *bufferConfig) setDynamicReceive(v bool) {
	b.mu.Lock()
	b.dynamicReceive = v
	b.mu.Unlock()
}

func (b *bufferConfig) sendBuffer(need int) ([]byte, status.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if need <= b.fixedSendSize || b.dynamicSend {
		if need > b.fixedSendSize {
			b.fixedSendSize = need
		}
		return make([]byte, need), status.OK()
	}
	return nil, status.NotEnoughBuffer(need)
}

func (b *bufferConfig) receiveCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fixedRecvSize
}

func (b *bufferConfig) growReceive(need int) status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if need <= b.fixedRecvSize {
		return status.OK()
	}
	if !b.dynamicReceive {
		return status.NotEnoughBuffer(need)
	}
	b.fixedRecvSize = need
	return status.OK()
}
