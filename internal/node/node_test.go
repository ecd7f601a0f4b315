package node

import (
	"testing"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

type fakeNode struct {
	inits   int
	created []model.NodeInfo
	errors  []status.Status
}

func (n *fakeNode) OnInit()                      { n.inits++ }
func (n *fakeNode) OnDidCreate(i model.NodeInfo) { n.created = append(n.created, i) }
func (n *fakeNode) OnError(st status.Status)     { n.errors = append(n.errors, st) }

type shutdownNode struct {
	fakeNode
	shutdowns int
}

func (n *shutdownNode) OnShutdown() { n.shutdowns++ }

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()
	info := model.NodeInfo{ClientID: 1, Name: "camera"}
	n := &fakeNode{}
	r.Put(info, n)

	got, gotInfo, ok := r.Get("camera")
	if !ok || got != n || gotInfo != info {
		t.Fatalf("Get returned (%v, %v, %v), want (%v, %v, true)", got, gotInfo, ok, n, info)
	}
	if r.Len() != 1 {
		t.Fatalf("want len 1, got %d", r.Len())
	}

	if !r.Delete("camera") {
		t.Fatal("expected Delete to report a node was present")
	}
	if r.Len() != 0 {
		t.Fatalf("want len 0 after delete, got %d", r.Len())
	}
	if r.Delete("camera") {
		t.Fatal("second Delete should report nothing was present")
	}
}

func TestRegistryDeleteInvokesShutdownHook(t *testing.T) {
	r := NewRegistry()
	n := &shutdownNode{}
	r.Put(model.NodeInfo{Name: "lidar"}, n)

	r.Delete("lidar")
	if n.shutdowns != 1 {
		t.Fatalf("want 1 shutdown call, got %d", n.shutdowns)
	}
}

func TestRegistryClearInvokesEveryShutdownHook(t *testing.T) {
	r := NewRegistry()
	a := &shutdownNode{}
	b := &shutdownNode{}
	r.Put(model.NodeInfo{Name: "a"}, a)
	r.Put(model.NodeInfo{Name: "b"}, b)

	r.Clear()
	if a.shutdowns != 1 || b.shutdowns != 1 {
		t.Fatalf("want both nodes shut down once, got a=%d b=%d", a.shutdowns, b.shutdowns)
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry after Clear, got len %d", r.Len())
	}
}
