package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsTaskAtWakeup(t *testing.T) {
	s := NewScheduler("test", nil)
	s.Start()
	defer s.Finish()

	var fired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	s.Add(NewTask(func() { fired.Store(true); wg.Done() }), time.Now().Add(20*time.Millisecond))

	wg.Wait()
	require.True(t, fired.Load())
}

func TestSchedulerSkipsClearedTask(t *testing.T) {
	s := NewScheduler("test", nil)
	s.Start()
	defer s.Finish()

	var fired atomic.Bool
	task := NewTask(func() { fired.Store(true) })
	s.Add(task, time.Now().Add(20*time.Millisecond))
	require.True(t, task.Clear())

	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestSchedulerRunsEarlierTaskFirst(t *testing.T) {
	s := NewScheduler("test", nil)
	s.Start()
	defer s.Finish()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	s.Add(NewTask(func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	}), time.Now().Add(40*time.Millisecond))
	s.Add(NewTask(func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	}), time.Now().Add(10*time.Millisecond))

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
}

// TestFsyncDebouncerCoalescesBursts checks that repeated fsync
// requests against the same key collapse into a single flush.
func TestFsyncDebouncerCoalescesBursts(t *testing.T) {
	s := NewScheduler("fsync", nil)
	s.Start()
	defer s.Finish()

	var calls atomic.Int32
	d := NewFsyncDebouncer(s, func(key string) error {
		calls.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		d.Fsync("fd-1")
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(600 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

// TestFsyncDebouncerBoundsWorstCaseLatency checks the max_fsync_time
// 3s bound fires even under a request every 400ms (each of which
// individually re-arms the 500ms coalescing window forever).
func TestFsyncDebouncerBoundsWorstCaseLatency(t *testing.T) {
	s := NewScheduler("fsync", nil)
	s.Start()
	defer s.Finish()

	var calls atomic.Int32
	d := NewFsyncDebouncer(s, func(key string) error {
		calls.Add(1)
		return nil
	})

	start := time.Now()
	for time.Since(start) < 3200*time.Millisecond && calls.Load() == 0 {
		d.Fsync("fd-1")
		time.Sleep(400 * time.Millisecond)
	}

	require.Equal(t, int32(1), calls.Load())
	require.LessOrEqual(t, time.Since(start), 3500*time.Millisecond)
}

type stubCommitter struct {
	commits atomic.Int32
}

func (c *stubCommitter) Commit() (uint64, error) {
	c.commits.Add(1)
	return uint64(c.commits.Load()), nil
}

func TestCommitDebouncerCoalescesBursts(t *testing.T) {
	s := NewScheduler("commit", nil)
	s.Start()
	defer s.Finish()

	committer := &stubCommitter{}
	d := NewCommitDebouncer(s)
	lookup := func(string) (Committer, bool) { return committer, true }

	for i := 0; i < 5; i++ {
		d.Commit("ep-1", lookup)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(600 * time.Millisecond)
	require.Equal(t, int32(1), committer.commits.Load())
}
