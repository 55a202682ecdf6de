package index

import "testing"

type fakeView struct {
	placements []NodePlacement
}

func (v fakeView) ActivePlacements() []NodePlacement { return v.placements }

func TestResolveWritableReturnsExactlyOneOwner(t *testing.T) {
	view := fakeView{placements: []NodePlacement{
		{Host: "node-0", Port: 1, Idx: 0},
		{Host: "node-1", Port: 1, Idx: 1},
		{Host: "node-2", Port: 1, Idx: 2},
	}}
	r := NewResolver(view, 2)

	eps := r.Resolve("myindex", true)
	if len(eps) != 1 {
		t.Fatalf("expected exactly one writable owner, got %d", len(eps))
	}
}

func TestResolveNonWritableReturnsUpToReplicaCount(t *testing.T) {
	view := fakeView{placements: []NodePlacement{
		{Host: "node-0", Port: 1, Idx: 0},
		{Host: "node-1", Port: 1, Idx: 1},
		{Host: "node-2", Port: 1, Idx: 2},
	}}
	r := NewResolver(view, 2)

	eps := r.Resolve("myindex", false)
	if len(eps) != 2 {
		t.Fatalf("expected 2 replica owners, got %d", len(eps))
	}
	if eps[0] == eps[1] {
		t.Fatal("replica owners must be distinct nodes")
	}
}

func TestResolveIsMemoizedAcrossCalls(t *testing.T) {
	calls := 0
	view := countingView{fakeView{placements: []NodePlacement{
		{Host: "node-0", Port: 1, Idx: 0},
	}}, &calls}
	r := NewResolver(view, 1)

	first := r.Resolve("myindex", false)
	second := r.Resolve("myindex", false)

	if calls != 1 {
		t.Fatalf("expected ActivePlacements to be consulted once, got %d calls", calls)
	}
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatal("memoized resolution should be stable")
	}
}

type countingView struct {
	fakeView
	calls *int
}

func (v countingView) ActivePlacements() []NodePlacement {
	*v.calls++
	return v.fakeView.ActivePlacements()
}

func TestResolveTreatsWritableAndReadableAsDistinctCacheEntries(t *testing.T) {
	view := fakeView{placements: []NodePlacement{
		{Host: "node-0", Port: 1, Idx: 0},
		{Host: "node-1", Port: 1, Idx: 1},
	}}
	r := NewResolver(view, 2)

	writable := r.Resolve("shared", true)
	readable := r.Resolve("shared", false)

	if len(writable) != 1 {
		t.Fatalf("writable resolution should stay a single owner, got %d", len(writable))
	}
	if len(readable) == len(writable) && readable[0] == writable[0] && len(readable) != 1 {
		t.Fatal("expected readable resolution to differ from the writable-only cache entry")
	}
}

func TestInvalidateClearsBothAccessModes(t *testing.T) {
	calls := 0
	view := countingView{fakeView{placements: []NodePlacement{
		{Host: "node-0", Port: 1, Idx: 0},
	}}, &calls}
	r := NewResolver(view, 1)

	r.Resolve("myindex", true)
	r.Resolve("myindex", false)
	if calls != 2 {
		t.Fatalf("expected one ActivePlacements call per access mode, got %d", calls)
	}

	r.Invalidate("myindex")
	r.Resolve("myindex", true)
	r.Resolve("myindex", false)
	if calls != 4 {
		t.Fatalf("expected invalidation to force a fresh lookup per access mode, got %d", calls)
	}
}
