// Package node defines the capability interfaces every node must
// satisfy and the registry MasterProxy uses to own their
// lifetime. A node is any user type implementing Lifecycle; the
// runtime never constructs one itself, it only registers, dispatches
// to, and destroys whatever the caller hands it.
package node

import (
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

// Lifecycle is the capability set required of every node.
type Lifecycle interface {
	// OnInit is delivered once, after OnDidCreate, on the proxy thread.
	OnInit()
	// OnDidCreate delivers the master-assigned NodeInfo.
	OnDidCreate(info model.NodeInfo)
	// OnError is delivered in place of OnDidCreate/OnInit when
	// registration fails, or later for a runtime-level error the node
	// should know about.
	OnError(st status.Status)
}

// ShutdownHook is an optional capability: nodes that need to release
// resources when destroyed implement it in addition to Lifecycle.
type ShutdownHook interface {
	OnShutdown()
}

// entry pairs a live node with the NodeInfo the master assigned it.
type entry struct {
	info model.NodeInfo
	node Lifecycle
}

// Registry owns the live node set. Every mutation is required to occur
// on the MasterProxy task runner; Registry itself holds no lock and
// trusts that contract rather than re-enforcing it, the same
// single-goroutine-by-convention discipline events.Bus's subscriber
// list relies on.
type Registry struct {
	byName map[string]entry
}

// NewRegistry constructs an empty node registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

// Put records a live node under its assigned name. A second Put under
// the same name overwrites the previous entry without invoking its
// shutdown hook -- callers must Delete first if that matters.
func (r *Registry) Put(info model.NodeInfo, n Lifecycle) {
	r.byName[info.Name] = entry{info: info, node: n}
}

// Get returns the node registered under name, if any.
func (r *Registry) Get(name string) (Lifecycle, model.NodeInfo, bool) {
	e, ok := r.byName[name]
	return e.node, e.info, ok
}

// Delete removes name from the registry, invoking its ShutdownHook
// first if it implements one. Reports whether a node was present.
func (r *Registry) Delete(name string) bool {
	e, ok := r.byName[name]
	if !ok {
		return false
	}
	if hook, ok := e.node.(ShutdownHook); ok {
		hook.OnShutdown()
	}
	delete(r.byName, name)
	return true
}

// Len reports the number of live nodes.
func (r *Registry) Len() int { return len(r.byName) }

// Names returns a snapshot of every registered node name, safe to
// range over even if a callback deletes entries mid-iteration.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Clear removes every node, invoking ShutdownHook on each in
// registration-map order; destruction order across nodes at proxy
// teardown is left unspecified.
func (r *Registry) Clear() {
	for name := range r.byName {
		r.Delete(name)
	}
}
