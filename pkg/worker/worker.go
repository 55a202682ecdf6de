// Package worker provides the parent/child lifecycle tree that owns
// xapiand's long-running components (the database pool, the debounce
// scheduler, the discovery server, the replicator) so that shutting
// down a parent deterministically shuts down everything beneath it.
package worker

import (
	"sync"
	"time"
)

// Impl is what a concrete component plugs into a Worker to receive
// lifecycle callbacks. Both methods run synchronously on whichever
// goroutine calls Shutdown/Destroy; a long-running Impl should not
// block past its own asap/now deadline.
type Impl interface {
	// ShutdownImpl is invoked once, with asap indicating whether the
	// caller wants an immediate stop (true) or a graceful drain before
	// now (the deadline for that drain).
	ShutdownImpl(asap bool, now time.Time)
	// DestroyImpl releases any resources the component owns (file
	// handles, sockets) after shutdown has completed for the whole
	// subtree rooted here.
	DestroyImpl()
}

// Worker is one node in the ownership tree. A Worker's parent holds
// the only strong reference to its children; a child's back-reference
// to its parent exists only for detach bookkeeping and is never used
// to extend the parent's lifetime.
type Worker struct {
	name   string
	impl   Impl
	parent *Worker

	mu       sync.Mutex
	children []*Worker
	detached bool

	shutdownOnce sync.Once
	destroyOnce  sync.Once
}

// New creates a root worker with no parent.
func New(name string, impl Impl) *Worker {
	return &Worker{name: name, impl: impl}
}

// NewChild creates a worker attached under parent. The parent keeps
// the only owning reference; parent.Shutdown/Destroy propagate to it.
func NewChild(parent *Worker, name string, impl Impl) *Worker {
	w := &Worker{name: name, impl: impl, parent: parent}
	parent.mu.Lock()
	parent.children = append(parent.children, w)
	parent.mu.Unlock()
	return w
}

// Name returns the worker's label, used in dump trees and logging.
func (w *Worker) Name() string {
	return w.name
}

// Parent returns the owning worker, or nil for a root.
func (w *Worker) Parent() *Worker {
	return w.parent
}

// gatherChildren returns a snapshot of current children so shutdown
// and destroy can recurse without holding the lock across Impl calls
// (an Impl callback may itself attach or detach a child).
func (w *Worker) gatherChildren() []*Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Worker, len(w.children))
	copy(out, w.children)
	return out
}

// Shutdown propagates a shutdown signal depth-first to every child
// before invoking this worker's own ShutdownImpl, mirroring the
// bottom-up teardown order of a dependency tree (leaves — sockets,
// files — close before the components that opened them). asap
// requests an immediate stop; otherwise now is the graceful-drain
// deadline the Impl should honor.
func (w *Worker) Shutdown(asap bool, now time.Time) {
	w.shutdownOnce.Do(func() {
		for _, child := range w.gatherChildren() {
			child.Shutdown(asap, now)
		}
		if w.impl != nil {
			w.impl.ShutdownImpl(asap, now)
		}
	})
}

// Destroy releases this worker's own resources after shutting down
// (if not already shut down) and destroying every child first.
func (w *Worker) Destroy() {
	w.Shutdown(true, time.Now())
	w.destroyOnce.Do(func() {
		for _, child := range w.gatherChildren() {
			child.Destroy()
		}
		if w.impl != nil {
			w.impl.DestroyImpl()
		}
	})
}

// Detach removes this worker from its parent's child list without
// destroying it, so ownership can be handed off (e.g. moving a
// long-lived pool from a request-scoped worker to a root one).
// Detaching a worker with no parent is a no-op.
func (w *Worker) Detach() {
	w.mu.Lock()
	if w.detached || w.parent == nil {
		w.mu.Unlock()
		return
	}
	w.detached = true
	parent := w.parent
	w.parent = nil
	w.mu.Unlock()

	parent.mu.Lock()
	defer parent.mu.Unlock()
	for i, child := range parent.children {
		if child == w {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
}

// DetachChildren detaches every current child from w without
// destroying them, letting the caller re-parent them elsewhere.
func (w *Worker) DetachChildren() []*Worker {
	children := w.gatherChildren()
	for _, c := range children {
		c.Detach()
	}
	return children
}

// ChildCount returns the number of currently attached children.
func (w *Worker) ChildCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.children)
}

// DumpTree renders the subtree rooted at w as an indented name list,
// useful for diagnosing what is still attached during a slow shutdown.
func (w *Worker) DumpTree(level int) string {
	indent := ""
	for i := 0; i < level; i++ {
		indent += "  "
	}
	out := indent + w.name + "\n"
	for _, c := range w.gatherChildren() {
		out += c.DumpTree(level + 1)
	}
	return out
}
