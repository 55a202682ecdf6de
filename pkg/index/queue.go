package index

import (
	"sync"
	"time"
)

// Queue is a FIFO of idle Handles keyed by endpoint-hash (the key
// itself lives in Pool's LRU), plus a live-instance count, a
// persistent flag, and a count-cap. Invariant: liveInstances <=
// countCap; len(idle) <= liveInstances.
type Queue struct {
	mu            sync.Mutex
	idle          []*Handle
	liveInstances int
	persistent    bool
	countCap      int
	notify        chan struct{}
	idleSince     time.Time
}

// NewQueue creates a queue bounded at countCap live instances.
func NewQueue(countCap int) *Queue {
	return &Queue{countCap: countCap, notify: make(chan struct{}, 1), idleSince: time.Now()}
}

// SetPersistent marks the queue as pinned past plain LRU capacity:
// eviction is forbidden while any queue is non-empty or is marked
// persistent.
func (q *Queue) SetPersistent(v bool) {
	q.mu.Lock()
	q.persistent = v
	q.mu.Unlock()
}

func (q *Queue) isEvictable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.persistent && len(q.idle) == 0 && q.liveInstances == 0
}

// lastIdleAt returns the time at which this queue last became fully
// idle (no live handles at all). Used by Cleanup to age out queues
// past IDLE_TIMEOUT.
func (q *Queue) lastIdleAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleSince
}

// popIdle pops the longest-idle handle (the front of the FIFO), if any.
func (q *Queue) popIdle() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.idle) == 0 {
		return nil, false
	}
	h := q.idle[0]
	q.idle = q.idle[1:]
	return h, true
}

// pushIdle returns a healthy handle to the idle FIFO and wakes a
// writable-checkout waiter, if any.
func (q *Queue) pushIdle(h *Handle) {
	q.mu.Lock()
	q.idle = append(q.idle, h)
	q.mu.Unlock()
	q.wake()
}

// wake performs a non-blocking send on notify so exactly one waiter
// (if any is currently selecting on it) re-checks the queue state.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitChan exposes the notify channel for a checkout loop to select
// on alongside a timeout.
func (q *Queue) waitChan() <-chan struct{} {
	return q.notify
}

// atCap reports whether liveInstances has reached countCap.
func (q *Queue) atCap() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countCap > 0 && q.liveInstances >= q.countCap
}

func (q *Queue) incLive() {
	q.mu.Lock()
	q.liveInstances++
	q.mu.Unlock()
}

func (q *Queue) decLive() {
	q.mu.Lock()
	q.liveInstances--
	if q.liveInstances == 0 && len(q.idle) == 0 {
		q.idleSince = time.Now()
	}
	q.mu.Unlock()
	q.wake()
}

// Live returns the current live-instance count.
func (q *Queue) Live() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.liveInstances
}

// Idle returns the current idle-handle count.
func (q *Queue) Idle() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idle)
}

// reapIdle removes and returns idle handles whose LastAccess is older
// than idleTimeout, decrementing liveInstances for each. Callers must
// Close the returned handles themselves (outside the queue's lock).
// When this reaps the queue's last handle, idleSince is set to the
// newest LastAccess among the reaped handles, so a Cleanup sweep can
// drop the emptied queue in the same pass.
func (q *Queue) reapIdle(idleTimeout time.Duration, now time.Time) []*Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reaped []*Handle
	var lastUsed time.Time
	kept := q.idle[:0]
	for _, h := range q.idle {
		if now.Sub(h.LastAccess) >= idleTimeout {
			reaped = append(reaped, h)
			q.liveInstances--
			if h.LastAccess.After(lastUsed) {
				lastUsed = h.LastAccess
			}
		} else {
			kept = append(kept, h)
		}
	}
	q.idle = kept
	if len(reaped) > 0 && q.liveInstances == 0 && len(q.idle) == 0 {
		q.idleSince = lastUsed
	}
	return reaped
}
