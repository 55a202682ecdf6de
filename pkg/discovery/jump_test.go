package discovery

import "testing"

func TestJumpHashStableUnderGrowth(t *testing.T) {
	const key = uint64(123456789)
	const buckets = 10

	before := JumpHash(key, buckets)
	if before < 0 || before >= buckets {
		t.Fatalf("bucket %d out of range [0,%d)", before, buckets)
	}

	// Growing the cluster should only ever reassign a 1/n fraction of
	// keys, never all of them; this key's assignment for the larger
	// cluster must still be in range and deterministic across calls.
	after := JumpHash(key, buckets+1)
	if after < 0 || after >= buckets+1 {
		t.Fatalf("bucket %d out of range [0,%d)", after, buckets+1)
	}
	if again := JumpHash(key, buckets+1); again != after {
		t.Fatalf("JumpHash not deterministic: %d != %d", again, after)
	}
}

func TestJumpHashSingleBucket(t *testing.T) {
	if got := JumpHash(999, 1); got != 0 {
		t.Fatalf("expected bucket 0 for a single-bucket ring, got %d", got)
	}
}

func TestJumpHashDistribution(t *testing.T) {
	const buckets = 8
	counts := make([]int, buckets)
	for key := uint64(0); key < 80000; key++ {
		counts[JumpHash(key, buckets)]++
	}
	for i, c := range counts {
		if c < 8000 || c > 12000 {
			t.Fatalf("bucket %d got %d keys, expected roughly 10000", i, c)
		}
	}
}
