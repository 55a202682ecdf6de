package debounce

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStashPeepReturnsEarliest(t *testing.T) {
	s := newStash()
	now := nowMs()

	t1 := NewTask(func() {})
	t1.wakeupMs = now + 5
	t2 := NewTask(func() {})
	t2.wakeupMs = now + 2000

	s.add(t1, now)
	s.add(t2, now)

	earliest, ok := s.peep()
	require.True(t, ok)
	require.Equal(t, t1.wakeupMs, earliest)
}

func TestStashNextDrainsOnlyReady(t *testing.T) {
	s := newStash()
	now := nowMs()

	early := NewTask(func() {})
	early.wakeupMs = now + 5
	late := NewTask(func() {})
	late.wakeupMs = now + 100000

	s.add(early, now)
	s.add(late, now)

	ready := s.next(now + 10)
	require.Len(t, ready, 1)
	require.Same(t, early, ready[0])

	_, ok := s.peep()
	require.True(t, ok) // late task still pending
}

func TestStashClampsFarFutureIntoWidestLevel(t *testing.T) {
	s := newStash()
	now := nowMs()

	farFuture := NewTask(func() {})
	farFuture.wakeupMs = now + 1000*60*60*48 // 48h out, beyond the widest level's span
	s.add(farFuture, now)

	total := 0
	for _, level := range s.levels[:3] {
		for _, b := range level {
			total += len(b.tasks)
		}
	}
	require.Equal(t, 0, total, "far-future task should not land in a finer level")

	total = 0
	for _, b := range s.levels[3] {
		total += len(b.tasks)
	}
	require.Equal(t, 1, total)
}
