package debounce

import (
	"sync"
	"time"
)

// commitDebounceDelay mirrors the fsync debouncer's coalescing
// window: same shape, keyed by endpoint.
const commitDebounceDelay = 500 * time.Millisecond

// commitMaxDelay bounds worst-case commit latency under a continuous
// write burst against the same endpoint.
const commitMaxDelay = 3 * time.Second

// Committer is the piece of an IndexHandle the commit debouncer needs:
// just Commit() itself.
type Committer interface {
	Commit() (uint64, error)
}

// CommitDebouncer coalesces repeated commit requests for the same
// endpoint into a single Commit() call: same shape as the fsync
// debouncer, keyed by endpoint; on fire, invokes commit() on the
// associated IndexHandle.
type CommitDebouncer struct {
	sched *Scheduler

	mu       sync.Mutex
	statuses map[string]*commitStatus
}

type commitStatus struct {
	commitAt    time.Time
	maxCommitAt time.Time
	task        *Task
}

// NewCommitDebouncer builds a commit debouncer scheduled on sched.
func NewCommitDebouncer(sched *Scheduler) *CommitDebouncer {
	return &CommitDebouncer{
		sched:    sched,
		statuses: make(map[string]*commitStatus),
	}
}

// Commit requests a (possibly coalesced) commit of the handler
// reachable via lookup(endpointKey).
func (d *CommitDebouncer) Commit(endpointKey string, lookup func(string) (Committer, bool)) {
	now := time.Now()

	d.mu.Lock()
	st, ok := d.statuses[endpointKey]
	if !ok {
		st = &commitStatus{maxCommitAt: now.Add(commitMaxDelay)}
		d.statuses[endpointKey] = st
	}
	st.commitAt = now.Add(commitDebounceDelay)
	if st.task != nil {
		st.task.Clear()
	}
	fire := st.commitAt
	if st.maxCommitAt.Before(fire) {
		fire = st.maxCommitAt
	}
	st.task = NewTask(func() { d.fire(endpointKey, lookup) })
	task := st.task
	d.mu.Unlock()

	d.sched.Add(task, fire)
}

func (d *CommitDebouncer) fire(endpointKey string, lookup func(string) (Committer, bool)) {
	d.mu.Lock()
	_, ok := d.statuses[endpointKey]
	if ok {
		delete(d.statuses, endpointKey)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if handle, found := lookup(endpointKey); found {
		_, _ = handle.Commit()
	}
}
