package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xapiand/xapiand/pkg/debounce"
	"github.com/xapiand/xapiand/pkg/index/memindex"
	"github.com/xapiand/xapiand/pkg/schema"
	"github.com/xapiand/xapiand/pkg/wal"
)

// TestWriteCheckoutWALDebounceCommitChain drives the whole local write
// path end to end: a writable checkout resolves a schema, a document
// write lands both in the backend and as a WAL line, a requested commit
// is coalesced by the debounce scheduler rather than firing
// immediately, and once it does fire the WAL carries the trailing
// commit marker a replica's replay loop looks for.
func TestWriteCheckoutWALDebounceCommitChain(t *testing.T) {
	memindex.Reset()
	p := newTestPool()
	p.SetSchemaCache(schema.New(10, 10, 10))
	sched := debounce.NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()
	p.SetDebounce(sched)
	ep := testEndpoints(t, "a")

	h, err := p.Checkout(ep, FlagCreateOrOpen|FlagWritable)
	require.NoError(t, err)
	require.NotNil(t, h.Schema, "a writable checkout must resolve a schema before the caller sees the handle")

	_, err = h.AddDocument([]byte(`{"a":1}`))
	require.NoError(t, err)
	line, err := h.wal.Find(0)
	require.NoError(t, err)
	require.Equal(t, wal.KindAddDocument, line.Kind)

	require.Zero(t, h.CheckoutRevision, "commit must not have happened yet")
	p.Checkin(ep, h, true)
	p.RequestCommit(ep)

	require.Eventually(t, func() bool {
		return h.CheckoutRevision > 0
	}, 2*time.Second, 10*time.Millisecond, "debounced commit must eventually fire")

	commitLine, err := h.wal.Find(1)
	require.NoError(t, err)
	require.Equal(t, wal.KindCommit, commitLine.Kind)
}

// TestRequestCommitCommitsIdleHandleAndReturnsItToPool checks the fix
// for the gap where CommitDebouncer/FsyncDebouncer were never
// constructed: RequestCommit must reach the debounce scheduler, which
// must in turn commit the right queue's idle handle and hand it back.
func TestRequestCommitCommitsIdleHandleAndReturnsItToPool(t *testing.T) {
	memindex.Reset()
	p := newTestPool()
	sched := debounce.NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()
	p.SetDebounce(sched)
	ep := testEndpoints(t, "a")

	h, err := p.Checkout(ep, FlagCreateOrOpen|FlagWritable)
	require.NoError(t, err)
	_, err = h.AddDocument([]byte("doc"))
	require.NoError(t, err)
	p.Checkin(ep, h, true)

	p.RequestCommit(ep)

	require.Eventually(t, func() bool {
		return h.CheckoutRevision > 0
	}, 2*time.Second, 10*time.Millisecond, "debounced commit must eventually fire")

	h2, err := p.Checkout(ep, FlagCreateOrOpen|FlagWritable)
	require.NoError(t, err)
	require.Same(t, h, h2, "the committed handle must have been returned to the idle pool, not dropped")
	p.Checkin(ep, h2, true)
}

// TestRequestCommitWithNoIdleHandleIsANoop checks that firing a commit
// for an endpoint with no idle handle (e.g. it's still busy, or was
// never checked out) doesn't panic or block.
func TestRequestCommitWithNoIdleHandleIsANoop(t *testing.T) {
	memindex.Reset()
	p := newTestPool()
	sched := debounce.NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()
	p.SetDebounce(sched)
	ep := testEndpoints(t, "a")

	h, err := p.Checkout(ep, FlagCreateOrOpen|FlagWritable)
	require.NoError(t, err)
	defer p.Checkin(ep, h, true)

	p.RequestCommit(ep)
	time.Sleep(20 * time.Millisecond)
}

// TestSetDebounceAttachesFsyncerOnlyToWritableHandles checks that a
// readable checkout never gets a fsync debouncer wired in -- readable
// handles own no WAL volume to rotate in the first place.
func TestSetDebounceAttachesFsyncerOnlyToWritableHandles(t *testing.T) {
	memindex.Reset()
	p := NewPool(memindex.Open, 100, 10, time.Second)
	sched := debounce.NewScheduler("test", nil)
	sched.Start()
	defer sched.Finish()
	p.SetDebounce(sched)
	ep := testEndpoints(t, "a")

	hw, err := p.Checkout(ep, FlagCreateOrOpen|FlagWritable)
	require.NoError(t, err)
	require.NotNil(t, hw.fsyncs)
	p.Checkin(ep, hw, true)

	hr, err := p.Checkout(ep, FlagCreateOrOpen)
	require.NoError(t, err)
	require.Nil(t, hr.fsyncs)
	p.Checkin(ep, hr, true)
}
