package index

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/xapiand/xapiand/pkg/debounce"
	"github.com/xapiand/xapiand/pkg/lru"
	"github.com/xapiand/xapiand/pkg/schema"
	"github.com/xapiand/xapiand/pkg/xerrors"
)

// Pool is the DatabasePool: two bounded LRUs of DatabaseQueue (one
// writable, one readable) keyed by Endpoints.Hash, a checkout
// timeout, and a finished flag that stops new checkouts once shutdown
// begins.
type Pool struct {
	mu       sync.Mutex
	writable *lru.LRU[uint64, *Queue]
	readable *lru.LRU[uint64, *Queue]
	openFn   OpenFunc
	countCap int
	timeout  time.Duration
	finished bool

	schemas *schema.Cache

	commits *debounce.CommitDebouncer
	fsyncs  *debounce.FsyncDebouncer
}

// SetDebounce attaches the commit/fsync debouncers every writable
// handle checked out afterward shares, both scheduled on sched. Commits
// requested via RequestCommit and WAL-rotation fsyncs coalesce through
// these the same way xapiand's THROTTLE_COMMIT/THROTTLE_FSYNC windows
// do. On a pool with no debouncer attached (the default, and every
// existing test's pool) RequestCommit does nothing and WAL rotation
// does not fsync the WAL directory; commits happen only where a caller
// calls Handle.Commit itself.
func (p *Pool) SetDebounce(sched *debounce.Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = debounce.NewCommitDebouncer(sched)
	p.fsyncs = debounce.NewFsyncDebouncer(sched, fsyncDir)
}

// fsyncDir fsyncs a directory so that file creations and renames inside
// it (WAL rotation's new file, in particular) survive a crash.
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// SetSchemaCache attaches the SchemasLRU a writable checkout resolves
// against. A pool with no cache attached (the default, and every
// existing test's pool) skips schema resolution entirely -- Checkout
// behaves exactly as before.
func (p *Pool) SetSchemaCache(c *schema.Cache) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas = c
}

// NewPool builds a Pool bounded at maxQueues entries per LRU, with
// each queue capped at countCap live handles and checkouts bounded by
// timeout.
func NewPool(openFn OpenFunc, maxQueues, countCap int, timeout time.Duration) *Pool {
	return &Pool{
		writable: lru.New[uint64, *Queue](maxQueues),
		readable: lru.New[uint64, *Queue](maxQueues),
		openFn:   openFn,
		countCap: countCap,
		timeout:  timeout,
	}
}

func (p *Pool) lruFor(writable bool) *lru.LRU[uint64, *Queue] {
	if writable {
		return p.writable
	}
	return p.readable
}

// queueFor looks up or creates the queue for hash, evicting idle
// non-persistent, non-busy queues to make room per the DatabasePool
// eviction invariant.
func (p *Pool) queueFor(l *lru.LRU[uint64, *Queue], hash uint64) *Queue {
	if q, ok := l.Find(hash, nil); ok {
		return q
	}
	q := NewQueue(p.countCap)
	l.Emplace(hash, q, func(_ uint64, existing *Queue) lru.DropAction {
		if existing.isEvictable() {
			return lru.Evict
		}
		return lru.Leave
	})
	return q
}

// Checkout implements the pool's 5-step checkout algorithm.
func (p *Pool) Checkout(endpoints Endpoints, flags OpenFlags) (*Handle, error) {
	writable := flags.Has(FlagWritable)
	hash := endpoints.Hash(writable)

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return nil, fmt.Errorf("checkout %s: %w", endpoints, xerrors.ErrShutdownInProgress)
	}
	q := p.queueFor(p.lruFor(writable), hash)
	p.mu.Unlock()

	if h, ok := q.popIdle(); ok {
		h.setBusy(true)
		return h, nil
	}

	if writable && q.Live() > 0 {
		waitCh := q.waitChan()
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
	waitLoop:
		for {
			select {
			case <-waitCh:
				if h, ok := q.popIdle(); ok {
					h.setBusy(true)
					return h, nil
				}
				if q.Live() == 0 {
					break waitLoop
				}
			case <-timer.C:
				return nil, fmt.Errorf("checkout %s: %w", endpoints, xerrors.ErrCheckoutTimeout)
			}
		}
	}

	if q.atCap() {
		return nil, fmt.Errorf("checkout %s: %w", endpoints, xerrors.ErrCheckoutConflict)
	}

	h, err := open(endpoints, writable, p.openFn, flags)
	if err != nil {
		return nil, fmt.Errorf("checkout %s: %w", endpoints, err)
	}

	p.mu.Lock()
	cache := p.schemas
	fsyncs := p.fsyncs
	p.mu.Unlock()
	if cache != nil && writable {
		resolved, _, serr := cache.Get(h, writable, endpoints[0].Path, nil, p.openForeignSchema)
		if serr != nil {
			_ = h.Close()
			return nil, fmt.Errorf("checkout %s: resolve schema: %w", endpoints, serr)
		}
		h.Schema = resolved
	}
	if writable {
		h.fsyncs = fsyncs
	}

	h.setBusy(true)
	q.incLive()
	return h, nil
}

// openForeignSchema implements schema.ForeignOpener by opening the
// foreign URI's backend directly, bypassing the pool's LRU/queue
// bookkeeping and, crucially, its own schema resolution: a foreign
// schema document is itself the terminal field-schema content and
// must never trigger another round of schema-of-schema resolution,
// which is what routing this through Pool.Checkout would do.
func (p *Pool) openForeignSchema(uri string) (schema.MetadataStore, func() error, error) {
	h, err := open(Endpoints{{Path: uri}}, true, p.openFn, FlagCreateOrOpen|FlagWritable)
	if err != nil {
		return nil, nil, err
	}
	return h, h.Close, nil
}

// RequestCommit asks the attached commit debouncer to commit
// endpoints' writable queue once the coalescing window elapses. A pool
// with no debouncer attached (SetDebounce never called) does nothing --
// callers that need an immediate commit should check the handle out
// and call Handle.Commit directly instead.
func (p *Pool) RequestCommit(endpoints Endpoints) {
	p.mu.Lock()
	commits := p.commits
	p.mu.Unlock()
	if commits == nil {
		return
	}
	key := strconv.FormatUint(endpoints.Hash(true), 10)
	commits.Commit(key, p.lookupCommitter)
}

// lookupCommitter resolves a debounce key back to the writable queue's
// currently idle handle, if one exists, wrapping it so the debouncer's
// eventual Commit() call returns the handle to the idle pool afterward
// exactly like a normal Checkin would.
func (p *Pool) lookupCommitter(key string) (debounce.Committer, bool) {
	hash, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	q, ok := p.writable.Find(hash, nil)
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	h, ok := q.popIdle()
	if !ok {
		return nil, false
	}
	h.setBusy(true)
	return &queueCommitter{q: q, h: h}, true
}

// queueCommitter adapts an idle Handle popped out for a debounced
// commit back into debounce.Committer, pushing it back onto the idle
// FIFO once the commit completes (or fails) so it remains checkoutable.
type queueCommitter struct {
	q *Queue
	h *Handle
}

func (c *queueCommitter) Commit() (uint64, error) {
	rev, err := c.h.Commit()
	c.h.setBusy(false)
	c.q.pushIdle(c.h)
	return rev, err
}

// Checkin returns handle to its queue. A healthy handle is pushed back
// onto the idle FIFO; a handle whose caller reports unrecoverable is
// closed and its queue's live count decremented.
func (p *Pool) Checkin(endpoints Endpoints, handle *Handle, healthy bool) {
	hash := endpoints.Hash(handle.Writable)

	p.mu.Lock()
	q, ok := p.lruFor(handle.Writable).Find(hash, nil)
	p.mu.Unlock()
	if !ok {
		// Queue was evicted out from under an in-flight checkout; just
		// release the handle.
		_ = handle.Close()
		return
	}

	handle.setBusy(false)
	if !healthy {
		_ = handle.Close()
		q.decLive()
		return
	}
	q.pushIdle(handle)
}

// Stats reports the number of distinct endpoint-hashes with at least
// one live handle, and the total idle-handle count across both LRUs,
// for metrics collection.
func (p *Pool) Stats() (liveEndpoints, idleHandles int) {
	p.mu.Lock()
	queues := make([]*Queue, 0)
	for _, l := range []*lru.LRU[uint64, *Queue]{p.writable, p.readable} {
		for _, key := range l.Keys() {
			if q, ok := l.Peek(key); ok {
				queues = append(queues, q)
			}
		}
	}
	p.mu.Unlock()

	for _, q := range queues {
		if q.Live() > 0 {
			liveEndpoints++
		}
		idleHandles += q.Idle()
	}
	return liveEndpoints, idleHandles
}

// Shutdown marks the pool finished: no further checkouts succeed.
// Already-checked-out handles are unaffected; callers must Checkin
// them normally.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
}

// Cleanup implements the background sweep: queues idle longer than
// idleTimeout and not persistent are dropped from both LRUs.
// Intended to run periodically (see pkg/config PoolConfig.CleanupPeriod).
func (p *Pool) Cleanup(idleTimeout time.Duration) {
	now := time.Now()
	p.mu.Lock()
	queues := make([]*Queue, 0)
	for _, l := range []*lru.LRU[uint64, *Queue]{p.writable, p.readable} {
		for _, key := range l.Keys() {
			if q, ok := l.Peek(key); ok {
				queues = append(queues, q)
			}
		}
	}
	p.mu.Unlock()

	for _, q := range queues {
		for _, h := range q.reapIdle(idleTimeout, now) {
			_ = h.Close()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range []*lru.LRU[uint64, *Queue]{p.writable, p.readable} {
		for _, key := range l.Keys() {
			q, ok := l.Peek(key)
			if !ok {
				continue
			}
			if !q.isEvictable() {
				continue
			}
			if now.Sub(q.lastIdleAt()) < idleTimeout {
				continue
			}
			l.Erase(key)
		}
	}
}
