package channel

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// TCP implements Channel over a net.Conn. The receive state machine is
// WAIT_HEADER -> WAIT_BODY(n) -> DELIVER -> WAIT_HEADER, driven by a
// buffered reader so partial reads never block a caller mid-frame.
type TCP struct {
	inflight
	buf *bufferConfig

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	reader   *bufio.Reader
	dialer   *Dialer
}

// NewTCP constructs an unconnected TCP channel. maxFrame bounds the
// largest payload it will accept; bufSize sets the initial fixed
// buffer (grown on demand only if SetDynamic*Buffer(true) was called).
func NewTCP(maxFrame uint32, bufSize int) *TCP {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &TCP{buf: newBufferConfig(maxFrame, bufSize), dialer: NewDialer(nil)}
}

func (c *TCP) Kind() model.ChannelKind { return model.KindTCP }

func (c *TCP) Connect(ctx context.Context, source model.ChannelSource) status.Status {
	conn, err := c.dialer.DialContext(ctx, "tcp", source.Addr())
	if err != nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp dial %s: %v", source.Addr(), err)
	}
	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, c.buf.receiveCapacity())
	c.mu.Unlock()
	return status.OK()
}

func (c *TCP) Listen(ctx context.Context) (model.ChannelSource, status.Status) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", ":0")
	if err != nil {
		return model.ChannelSource{}, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp listen: %v", err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "::" {
		host = "0.0.0.0"
	}
	return model.ChannelSource{Kind: model.KindTCP, Host: host, Port: uint16(port)}, status.OK()
}

func (c *TCP) AcceptLoop(ctx context.Context, onAccept func(Channel)) status.Status {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return status.New(codes.FailedPrecondition, "tcp accept loop: not listening")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return status.OK()
			}
			return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp accept: %v", err)
		}
		peer := &TCP{buf: c.buf}
		peer.conn = conn
		peer.reader = bufio.NewReaderSize(conn, peer.buf.receiveCapacity())
		onAccept(peer)
	}
}

func (c *TCP) SendMessage(ctx context.Context, payload []byte, enc wire.Encoding) status.Status {
	if st := c.beginSend(); !st.IsOK() {
		return st
	}
	defer c.endSend()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp not connected")
	}

	need := wire.HeaderSize + len(payload)
	dst, st := c.buf.sendBuffer(need)
	if !st.IsOK() {
		return st
	}
	n, st := wire.Frame(payload, enc, c.buf.maxFrame, dst)
	if !st.IsOK() {
		return st
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(noDeadline)
	}
	if _, err := conn.Write(dst[:n]); err != nil {
		c.markClosed()
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp write: %v", err)
	}
	return status.OK()
}

func (c *TCP) ReceiveMessage(ctx context.Context) ([]byte, status.Status) {
	if st := c.beginReceive(); !st.IsOK() {
		return nil, st
	}
	defer c.endReceive()

	c.mu.Lock()
	conn, reader := c.conn, c.reader
	c.mu.Unlock()
	if conn == nil || reader == nil {
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp not connected")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(noDeadline)
	}

	hdr := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(reader, hdr); err != nil {
		c.markClosed()
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp read header: %v", err)
	}
	h, st := wire.DecodeHeader(hdr)
	if !st.IsOK() {
		c.markClosed()
		return nil, st
	}
	if h.PayloadLen > c.buf.maxFrame {
		c.markClosed()
		_ = conn.Close()
		return nil, status.WithTransport(codes.ResourceExhausted, status.ErrCorruptedHeader,
			"declared length %d exceeds max frame %d", h.PayloadLen, c.buf.maxFrame)
	}
	if st := c.buf.growReceive(int(h.PayloadLen)); !st.IsOK() {
		// Drain the body so the stream stays in sync for a future
		// receive with a larger buffer, then report the shortfall.
		_, _ = io.CopyN(io.Discard, reader, int64(h.PayloadLen))
		return nil, st
	}
	body := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(reader, body); err != nil {
		c.markClosed()
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "tcp read body: %v", err)
	}
	return body, status.OK()
}

func (c *TCP) SetDynamicSendBuffer(enabled bool)    { c.buf.setDynamicSend(enabled) }
func (c *TCP) SetDynamicReceiveBuffer(enabled bool) { c.buf.setDynamicReceive(enabled) }

func (c *TCP) Close() error {
	c.markClosed()
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	if c.listener != nil {
		if lerr := c.listener.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}
