package heartbeat

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
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

func TestSignallerPulsesOnStartAndTick(t *testing.T) {
	t.Parallel()

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer raw.Close()
	_, portStr, _ := net.SplitHostPort(raw.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	s := New(10*time.Millisecond, nil)
	readyCh := make(chan model.ChannelSource, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Stop()

	master := model.ChannelSource{Kind: model.KindUDP, Host: "127.0.0.1", Port: uint16(port)}
	if st := s.Open(ctx, master, func(src model.ChannelSource) { readyCh <- src }); !st.IsOK() {
		t.Fatalf("open: %v", st)
	}

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("on_ready never fired")
	}
	s.Begin(ctx, 42)

	var seqs []uint32
	raw.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 3; i++ {
		buf := make([]byte, 256)
		n, _, err := raw.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read pulse %d: %v", i, err)
		}
		body, st := wire.Unframe(buf[:n], 1<<20)
		if !st.IsOK() {
			t.Fatalf("unframe pulse %d: %v", i, st)
		}
		p, ok := DecodePulse(body)
		if !ok {
			t.Fatalf("decode pulse %d: wrong length %d", i, len(body))
		}
		if p.ClientID != 42 {
			t.Fatalf("want client_id 42, got %d", p.ClientID)
		}
		seqs = append(seqs, p.Sequence)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}
}

// TestSignallerEscalatesAfterTwoFailures verifies the two-consecutive-
// failure fatal escalation: the stand-in master receiver is closed
// before the signaller connects, so sends to that port start failing,
// and OnFatal should fire once that streak reaches two.
func TestSignallerEscalatesAfterTwoFailures(t *testing.T) {
	t.Parallel()

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(raw.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	raw.Close() // nothing is listening on this port once closed

	s := New(5*time.Millisecond, nil)
	var fatalCount atomic.Int32
	var lastStatus status.Status
	s.OnFatal = func(st status.Status) {
		fatalCount.Add(1)
		lastStatus = st
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Stop()

	master := model.ChannelSource{Kind: model.KindUDP, Host: "127.0.0.1", Port: uint16(port)}
	if st := s.Open(ctx, master, nil); !st.IsOK() {
		t.Fatalf("open: %v", st)
	}
	s.Begin(ctx, 1)

	waitFor(t, 2*time.Second, func() bool { return fatalCount.Load() > 0 })
	if lastStatus.IsOK() {
		t.Fatal("expected a non-OK status on fatal escalation")
	}
}
