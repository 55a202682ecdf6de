package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingCommitter struct {
	n *int32
}

func (c *countingCommitter) Commit() (uint64, error) {
	atomic.AddInt32(c.n, 1)
	return 1, nil
}

// TestCommitDebouncerCoalescesBurstIntoOneCommit drives repeated
// Commit requests for the same key inside the debounce window and
// checks they collapse into a single underlying commit.
func TestCommitDebouncerCoalescesBurstIntoOneCommit(t *testing.T) {
	sched := NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()

	d := NewCommitDebouncer(sched)
	var n int32
	lookup := func(string) (Committer, bool) { return &countingCommitter{n: &n}, true }

	for i := 0; i < 50; i++ {
		d.Commit("ep-1", lookup)
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestCommitDebouncerKeysAreIndependent checks that two different
// endpoint keys get independent coalescing windows.
func TestCommitDebouncerKeysAreIndependent(t *testing.T) {
	sched := NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()

	d := NewCommitDebouncer(sched)
	var n1, n2 int32
	lookup1 := func(string) (Committer, bool) { return &countingCommitter{n: &n1}, true }
	lookup2 := func(string) (Committer, bool) { return &countingCommitter{n: &n2}, true }

	d.Commit("ep-1", lookup1)
	d.Commit("ep-2", lookup2)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n1) == 1 && atomic.LoadInt32(&n2) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestCommitDebouncerSkipsWhenLookupMisses checks that a fire against
// a key whose handle is no longer reachable (checked out elsewhere, or
// evicted) is a silent no-op, not a panic.
func TestCommitDebouncerSkipsWhenLookupMisses(t *testing.T) {
	sched := NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()

	d := NewCommitDebouncer(sched)
	lookup := func(string) (Committer, bool) { return nil, false }
	d.Commit("ep-1", lookup)
	time.Sleep(50 * time.Millisecond)
}
