package debounce

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestFsyncDebouncerCoalescesBurstIntoOneSync drives a burst of Fsync
// calls against the same key well inside the debounce window and
// checks they collapse into exactly one underlying sync.
func TestFsyncDebouncerCoalescesBurstIntoOneSync(t *testing.T) {
	sched := NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()

	var n int32
	d := NewFsyncDebouncer(sched, func(string) error {
		atomic.AddInt32(&n, 1)
		return nil
	})

	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Fsync("fd-1")
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, time.Since(start), fsyncMaxDelay+time.Second)
}

// TestFsyncDebouncerKeysAreIndependent checks two distinct keys
// coalesce separately.
func TestFsyncDebouncerKeysAreIndependent(t *testing.T) {
	sched := NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()

	var n1, n2 int32
	d := NewFsyncDebouncer(sched, func(key string) error {
		if key == "a" {
			atomic.AddInt32(&n1, 1)
		} else {
			atomic.AddInt32(&n2, 1)
		}
		return nil
	})

	d.Fsync("a")
	d.Fsync("b")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n1) == 1 && atomic.LoadInt32(&n2) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
