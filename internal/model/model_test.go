package model

import "testing"

func TestChannelSourceValid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		src  ChannelSource
		want bool
	}{
		{"tcp ok", ChannelSource{Kind: KindTCP, Host: "127.0.0.1", Port: 9000}, true},
		{"tcp no port", ChannelSource{Kind: KindTCP, Host: "127.0.0.1"}, false},
		{"shm ok", ChannelSource{Kind: KindSHM, SHMHandle: "seg-1", SHMSize: 4096}, true},
		{"shm no size", ChannelSource{Kind: KindSHM, SHMHandle: "seg-1"}, false},
		{"unknown kind", ChannelSource{Kind: ChannelKind(99)}, false},
	}
	for _, c := range cases {
		if got := c.src.Valid(); got != c.want {
			t.Errorf("%s: want %v, got %v", c.name, c.want, got)
		}
	}
}

func TestChannelSourceEquality(t *testing.T) {
	t.Parallel()
	a := ChannelSource{Kind: KindTCP, Host: "127.0.0.1", Port: 9000}
	b := ChannelSource{Kind: KindTCP, Host: "127.0.0.1", Port: 9000}
	c := ChannelSource{Kind: KindTCP, Host: "127.0.0.1", Port: 9001}
	if a != b {
		t.Fatal("structurally identical sources should be ==")
	}
	if a == c {
		t.Fatal("differing port should not be ==")
	}
}

// TestPickPreferred verifies the SHM > TCP > UDP > WS tie-break order
// from DESIGN.md's Open Questions resolution.
func TestPickPreferred(t *testing.T) {
	t.Parallel()
	have := []ChannelSource{
		{Kind: KindWS, Host: "h", Port: 1},
		{Kind: KindTCP, Host: "h", Port: 2},
		{Kind: KindUDP, Host: "h", Port: 3},
	}
	got, ok := PickPreferred(All, have)
	if !ok || got.Kind != KindTCP {
		t.Fatalf("want TCP preferred over UDP/WS, got %+v ok=%v", got, ok)
	}

	have = append(have, ChannelSource{Kind: KindSHM, SHMHandle: "x", SHMSize: 1})
	got, ok = PickPreferred(All, have)
	if !ok || got.Kind != KindSHM {
		t.Fatalf("want SHM preferred over all, got %+v ok=%v", got, ok)
	}

	want := KindBit(KindUDP) | KindBit(KindWS)
	got, ok = PickPreferred(want, have)
	if !ok || got.Kind != KindUDP {
		t.Fatalf("want UDP preferred over WS when bitmask excludes SHM/TCP, got %+v ok=%v", got, ok)
	}
}

func TestPickPreferredNoIntersection(t *testing.T) {
	t.Parallel()
	have := []ChannelSource{{Kind: KindWS, Host: "h", Port: 1}}
	_, ok := PickPreferred(KindBit(KindTCP), have)
	if ok {
		t.Fatal("expected no match")
	}
}
