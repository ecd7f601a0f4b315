package channel

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// WS implements Channel over a gorilla/websocket connection. Unlike
// TCP, gorilla already delimits messages, so SendMessage/ReceiveMessage
// map one Header+body to exactly one binary websocket message rather
// than a byte stream requiring resynchronisation.
type WS struct {
	inflight
	buf *bufferConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	server   *http.Server
	listener net.Listener
	path     string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWS constructs an unconnected WS channel. path is the HTTP upgrade
// endpoint used both when listening (e.g. "/fel") and when dialing.
func NewWS(maxFrame uint32, bufSize int, path string) *WS {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	if path == "" {
		path = "/"
	}
	return &WS{buf: newBufferConfig(maxFrame, bufSize), path: path}
}

func (c *WS) Kind() model.ChannelKind { return model.KindWS }

func (c *WS) Connect(ctx context.Context, source model.ChannelSource) status.Status {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultConnectTimeout}
	url := "ws://" + source.Addr() + c.path
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws dial %s: %v", url, err)
	}
	conn.SetReadLimit(int64(c.buf.maxFrame) + wire.HeaderSize)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return status.OK()
}

// Listen binds an OS-assigned TCP port and returns its address. The
// HTTP server that upgrades requests to c.path into websocket
// connections is started by AcceptLoop on that listener.
func (c *WS) Listen(ctx context.Context) (model.ChannelSource, status.Status) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", ":0")
	if err != nil {
		return model.ChannelSource{}, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws listen: %v", err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "::" {
		host = "0.0.0.0"
	}
	return model.ChannelSource{Kind: model.KindWS, Host: host, Port: uint16(port)}, status.OK()
}

func (c *WS) AcceptLoop(ctx context.Context, onAccept func(Channel)) status.Status {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return status.New(codes.FailedPrecondition, "ws accept loop: not listening")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(c.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(int64(c.buf.maxFrame) + wire.HeaderSize)
		peer := &WS{buf: c.buf, path: c.path}
		peer.conn = conn
		onAccept(peer)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: DefaultConnectTimeout}
	c.mu.Lock()
	c.server = srv
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(ln)
	if err != nil && ctx.Err() != nil {
		return status.OK()
	}
	if err != nil && err != http.ErrServerClosed {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws serve: %v", err)
	}
	return status.OK()
}

func (c *WS) SendMessage(ctx context.Context, payload []byte, enc wire.Encoding) status.Status {
	if st := c.beginSend(); !st.IsOK() {
		return st
	}
	defer c.endSend()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws not connected")
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
	if err := conn.WriteMessage(websocket.BinaryMessage, dst[:n]); err != nil {
		c.markClosed()
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws write: %v", err)
	}
	return status.OK()
}

func (c *WS) ReceiveMessage(ctx context.Context) ([]byte, status.Status) {
	if st := c.beginReceive(); !st.IsOK() {
		return nil, st
	}
	defer c.endReceive()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws not connected")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(noDeadline)
	}

	kind, raw, err := conn.ReadMessage()
	if err != nil {
		c.markClosed()
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "ws read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		return nil, status.WithTransport(codes.InvalidArgument, status.ErrCorruptedHeader, "ws: expected binary message, got %d", kind)
	}
	return wire.Unframe(raw, c.buf.maxFrame)
}

func (c *WS) SetDynamicSendBuffer(enabled bool)    { c.buf.setDynamicSend(enabled) }
func (c *WS) SetDynamicReceiveBuffer(enabled bool) { c.buf.setDynamicReceive(enabled) }

func (c *WS) Close() error {
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
