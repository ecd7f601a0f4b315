// Package heartbeat implements the client's periodic liveness pulse to
// the master: a UDP channel bound on start, then a fixed-interval
// publish loop that fires immediately and then on every tick.
package heartbeat

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// pulseSize is the on-wire size of a heart-beat pulse: uint32 client
// id, uint32 sequence, int64 timestamp in nanoseconds, all
// little-endian.
const pulseSize = 4 + 4 + 8

// Pulse is the payload sent on every tick.
type Pulse struct {
	ClientID  uint32
	Sequence  uint32
	Timestamp int64 // nanoseconds since epoch
}

// encode serialises p as fixed little-endian binary: uint32 client_id,
// uint32 seq, int64 timestamp_ns.
func (p Pulse) encode() []byte {
	buf := make([]byte, pulseSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.ClientID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.Timestamp))
	return buf
}

// DecodePulse parses the fixed little-endian binary layout written by
// encode. Used by tests and by any master-side decoder sharing this
// package.
func DecodePulse(buf []byte) (Pulse, bool) {
	if len(buf) != pulseSize {
		return Pulse{}, false
	}
	return Pulse{
		ClientID:  binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:  binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, true
}

// Signaller owns the UDP channel and ticker loop. Two consecutive send
// failures escalate via OnFatal rather than being retried silently:
// the decision to log and exit the process belongs to the caller
// (MasterProxy), not this package.
type Signaller struct {
	conn   *channel.UDP
	logger *slog.Logger

	clientID atomic.Uint64
	interval time.Duration
	sequence atomic.Uint64

	// OnFatal is invoked once after two consecutive send failures.
	// Must not block.
	OnFatal func(status.Status)

	fatalOnce sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Signaller that will pulse every interval once
// Begin is called. The client id defaults to zero until SetClientID
// or Begin supplies the master-assigned value -- RegisterClient
// assigns it only after the signaller has already opened its channel
// and reported its local source.
func New(interval time.Duration, logger *slog.Logger) *Signaller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Signaller{
		conn:     channel.NewUDP(channel.DefaultMaxFrame, 256),
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Open connects the UDP channel to master's heartbeat receiver and
// invokes onReady with the bound local source, which the caller
// reports to the master during RegisterClient. It does not start the
// publish loop -- the client id to stamp every pulse with is not yet
// known at this point. Call Begin once RegisterClient assigns it.
func (s *Signaller) Open(ctx context.Context, master model.ChannelSource, onReady func(model.ChannelSource)) status.Status {
	if st := s.conn.Connect(ctx, master); !st.IsOK() {
		return st
	}
	local, ok := s.conn.LocalSource()
	if !ok {
		return status.New(codes.Unavailable, "heartbeat: no local source after connect")
	}
	if onReady != nil {
		onReady(local)
	}
	return status.OK()
}

// SetClientID updates the id stamped on every subsequent pulse.
func (s *Signaller) SetClientID(id uint64) { s.clientID.Store(id) }

// Begin starts the publish loop in a background goroutine, stamping
// every pulse with clientID.
func (s *Signaller) Begin(ctx context.Context, clientID uint64) {
	s.SetClientID(clientID)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.runLoop(runCtx)
}

func (s *Signaller) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var consecutiveFailures int
	pulse := func() {
		st := s.send()
		if st.IsOK() {
			consecutiveFailures = 0
			return
		}
		consecutiveFailures++
		s.logger.Warn("heartbeat send failed", "error", st, "consecutive_failures", consecutiveFailures)
		if consecutiveFailures >= 2 && s.OnFatal != nil {
			s.fatalOnce.Do(func() { s.OnFatal(st) })
		}
	}

	pulse()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pulse()
		}
	}
}

func (s *Signaller) send() status.Status {
	p := Pulse{
		ClientID:  uint32(s.clientID.Load()),
		Sequence:  uint32(s.sequence.Add(1)),
		Timestamp: time.Now().UnixNano(),
	}
	return s.conn.SendMessage(context.Background(), p.encode(), wire.Binary)
}

// Stop cancels the publish loop and closes the channel. Idempotent.
func (s *Signaller) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	_ = s.conn.Close()
}
