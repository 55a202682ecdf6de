package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingImpl struct {
	mu           sync.Mutex
	shutdownAsap bool
	shutdownAt   time.Time
	destroyed    bool
}

func (r *recordingImpl) ShutdownImpl(asap bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownAsap = asap
	r.shutdownAt = now
}

func (r *recordingImpl) DestroyImpl() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
}

func (r *recordingImpl) wasDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func TestShutdownPropagatesToChildrenFirst(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) *recordingImplFunc {
		return &recordingImplFunc{
			shutdown: func(asap bool, now time.Time) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			},
		}
	}

	root := New("root", record("root"))
	child := NewChild(root, "child", record("child"))
	grandchild := NewChild(child, "grandchild", record("grandchild"))
	_ = grandchild

	root.Shutdown(true, time.Now())

	require.Equal(t, []string{"grandchild", "child", "root"}, order)
}

type recordingImplFunc struct {
	shutdown func(asap bool, now time.Time)
	destroy  func()
}

func (f *recordingImplFunc) ShutdownImpl(asap bool, now time.Time) {
	if f.shutdown != nil {
		f.shutdown(asap, now)
	}
}

func (f *recordingImplFunc) DestroyImpl() {
	if f.destroy != nil {
		f.destroy()
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	var calls int
	impl := &recordingImplFunc{shutdown: func(bool, time.Time) { calls++ }}
	w := New("w", impl)

	w.Shutdown(true, time.Now())
	w.Shutdown(true, time.Now())
	w.Shutdown(false, time.Now())

	require.Equal(t, 1, calls)
}

func TestDestroyShutsDownFirstThenDestroysChildren(t *testing.T) {
	parentImpl := &recordingImpl{}
	childImpl := &recordingImpl{}

	root := New("root", parentImpl)
	NewChild(root, "child", childImpl)

	root.Destroy()

	require.True(t, parentImpl.wasDestroyed())
	require.True(t, childImpl.wasDestroyed())
}

func TestDetachRemovesFromParentChildList(t *testing.T) {
	root := New("root", &recordingImplFunc{})
	child := NewChild(root, "child", &recordingImplFunc{})

	require.Equal(t, 1, root.ChildCount())
	child.Detach()
	require.Equal(t, 0, root.ChildCount())
	require.Nil(t, child.Parent())
}

func TestDetachOnRootIsNoOp(t *testing.T) {
	root := New("root", &recordingImplFunc{})
	require.NotPanics(t, func() { root.Detach() })
}

func TestDetachedChildIsNotShutDownByParent(t *testing.T) {
	var shutdownCalled bool
	childImpl := &recordingImplFunc{shutdown: func(bool, time.Time) { shutdownCalled = true }}

	root := New("root", &recordingImplFunc{})
	child := NewChild(root, "child", childImpl)
	child.Detach()

	root.Shutdown(true, time.Now())
	require.False(t, shutdownCalled)
}

func TestDetachChildrenReturnsAllAndClearsList(t *testing.T) {
	root := New("root", &recordingImplFunc{})
	NewChild(root, "a", &recordingImplFunc{})
	NewChild(root, "b", &recordingImplFunc{})

	detached := root.DetachChildren()
	require.Len(t, detached, 2)
	require.Equal(t, 0, root.ChildCount())
}

func TestDumpTreeIncludesAllDescendants(t *testing.T) {
	root := New("pool", &recordingImplFunc{})
	NewChild(root, "discovery", &recordingImplFunc{})
	scheduler := NewChild(root, "scheduler", &recordingImplFunc{})
	NewChild(scheduler, "fsync-debouncer", &recordingImplFunc{})

	tree := root.DumpTree(0)
	require.Contains(t, tree, "pool")
	require.Contains(t, tree, "discovery")
	require.Contains(t, tree, "scheduler")
	require.Contains(t, tree, "fsync-debouncer")
}
