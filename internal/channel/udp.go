package channel

import (
	"context"
	"net"
	"strconv"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// UDP implements Channel over a connected net.UDPConn. Each datagram
// is expected to contain exactly one Header+body; a truncated
// datagram fails ERR_CORRUPTED_HEADER rather than attempting to
// reassemble across packets. UDP has no listen()/
// accept_loop(): Connect both binds the local ephemeral port and
// records the remote peer, matching the heart-beat signaller's single
// fire-and-forget destination.
type UDP struct {
	inflight
	buf *bufferConfig

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDP constructs an unconnected UDP channel.
func NewUDP(maxFrame uint32, bufSize int) *UDP {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &UDP{buf: newBufferConfig(maxFrame, bufSize)}
}

func (c *UDP) Kind() model.ChannelKind { return model.KindUDP }

// Connect binds an OS-assigned local UDP port and dials source as the
// default peer; subsequent SendMessage/ReceiveMessage calls use that
// peer without specifying an address each time.
func (c *UDP) Connect(ctx context.Context, source model.ChannelSource) status.Status {
	raddr, err := net.ResolveUDPAddr("udp", source.Addr())
	if err != nil {
		return status.New(codes.InvalidArgument, "udp resolve %s: %v", source.Addr(), err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "udp dial %s: %v", source.Addr(), err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return status.OK()
}

// LocalSource reports the bound local endpoint, used by the heart-beat
// signaller's on_ready callback. Valid only after Connect.
func (c *UDP) LocalSource() (model.ChannelSource, bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return model.ChannelSource{}, false
	}
	host, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	return model.ChannelSource{Kind: model.KindUDP, Host: host, Port: uint16(port)}, true
}

func (c *UDP) Listen(ctx context.Context) (model.ChannelSource, status.Status) {
	return model.ChannelSource{}, status.New(codes.Unimplemented, "udp channel does not support listen(); use Connect")
}

func (c *UDP) AcceptLoop(ctx context.Context, onAccept func(Channel)) status.Status {
	return status.New(codes.Unimplemented, "udp channel does not support accept_loop()")
}

func (c *UDP) SendMessage(ctx context.Context, payload []byte, enc wire.Encoding) status.Status {
	if st := c.beginSend(); !st.IsOK() {
		return st
	}
	defer c.endSend()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "udp not connected")
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
	if _, err := conn.Write(dst[:n]); err != nil {
		c.markClosed()
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "udp write: %v", err)
	}
	return status.OK()
}

// ReceiveMessage reads exactly one datagram. A datagram shorter than a
// full Header+declared-body fails ERR_CORRUPTED_HEADER; unlike TCP,
// there is no byte stream to resynchronise, so the channel is not
// marked broken (the next datagram is unaffected).
func (c *UDP) ReceiveMessage(ctx context.Context) ([]byte, status.Status) {
	if st := c.beginReceive(); !st.IsOK() {
		return nil, st
	}
	defer c.endReceive()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "udp not connected")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(noDeadline)
	}

	datagram := make([]byte, c.buf.receiveCapacity())
	n, err := conn.Read(datagram)
	if err != nil {
		c.markClosed()
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "udp read: %v", err)
	}
	return wire.Unframe(datagram[:n], c.buf.maxFrame)
}

func (c *UDP) SetDynamicSendBuffer(enabled bool)    { c.buf.setDynamicSend(enabled) }
func (c *UDP) SetDynamicReceiveBuffer(enabled bool) { c.buf.setDynamicReceive(enabled) }

func (c *UDP) Close() error {
	c.markClosed()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
