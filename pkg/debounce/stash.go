// Package debounce implements a nested time-wheel scheduler, plus the
// fsync and commit debouncers built on top of it.
package debounce

import "sync"

// The four stash levels: ten 1ms slots, ten 50ms slots, twelve 500ms
// slots, and 4800 18s slots. Each level's span is slotCount*unitMs; a
// task is filed in the finest level whose span can still represent
// its delay from now.
const (
	level0Slots = 10
	level0Unit  = int64(1)
	level1Slots = 10
	level1Unit  = int64(50)
	level2Slots = 12
	level2Unit  = int64(500)
	level3Slots = 4800
	level3Unit  = int64(18000)
)

var levelSpans = [4]int64{
	level0Slots * level0Unit,
	level1Slots * level1Unit,
	level2Slots * level2Unit,
	level3Slots * level3Unit,
}

var levelUnits = [4]int64{level0Unit, level1Unit, level2Unit, level3Unit}
var levelSlots = [4]int{level0Slots, level1Slots, level2Slots, level3Slots}

// Task is one scheduled unit of work. wakeupMs is the absolute
// wall-clock millisecond it should fire at. cleared is a one-shot
// flag set under mu by Clear(): once set, the task is skipped
// wherever it is found.
type Task struct {
	wakeupMs int64
	run      func()

	mu      sync.Mutex
	cleared bool
}

// NewTask wraps run as a schedulable Task.
func NewTask(run func()) *Task {
	return &Task{run: run}
}

// Clear marks the task skipped. Returns false if it was already
// cleared.
func (t *Task) Clear() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleared {
		return false
	}
	t.cleared = true
	return true
}

// Cleared reports the one-shot flag.
func (t *Task) Cleared() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleared
}

// bucket is one slot in one level: an unordered set of tasks whose
// wakeup falls within that slot's time range.
type bucket struct {
	tasks []*Task
}

// stash is the nested-level task store. Not safe for concurrent use;
// Scheduler guards it with a mutex.
type stash struct {
	levels [4]map[int]*bucket
}

func newStash() *stash {
	s := &stash{}
	for i := range s.levels {
		s.levels[i] = make(map[int]*bucket)
	}
	return s
}

// slotFor returns (level, slot index) for a task firing delta ms from
// now. Delays beyond the widest level are not rejected: they
// are filed in level 3 at slot (wakeupMs/18000)%4800, wrapping around,
// and peep/next compare each task's wakeupMs before releasing it.
func slotFor(nowMs, wakeupMs int64) (int, int) {
	delta := wakeupMs - nowMs
	if delta < 0 {
		delta = 0
	}
	for lvl := 0; lvl < 3; lvl++ {
		if delta < levelSpans[lvl] {
			slot := int((wakeupMs / levelUnits[lvl]) % int64(levelSlots[lvl]))
			return lvl, slot
		}
	}
	slot := int((wakeupMs / levelUnits[3]) % int64(levelSlots[3]))
	return 3, slot
}

// add files task into the appropriate level/slot for nowMs.
func (s *stash) add(task *Task, nowMs int64) {
	lvl, slot := slotFor(nowMs, task.wakeupMs)
	b, ok := s.levels[lvl][slot]
	if !ok {
		b = &bucket{}
		s.levels[lvl][slot] = b
	}
	b.tasks = append(b.tasks, task)
}

// peep non-destructively returns the earliest uncleared task's
// wakeup time across all levels, or false if the stash is empty.
func (s *stash) peep() (int64, bool) {
	earliest := int64(0)
	found := false
	for _, level := range s.levels {
		for _, b := range level {
			for _, t := range b.tasks {
				if t.Cleared() {
					continue
				}
				if !found || t.wakeupMs < earliest {
					earliest = t.wakeupMs
					found = true
				}
			}
		}
	}
	return earliest, found
}

// next destructively removes and returns every task (cleared or not;
// callers skip cleared ones) whose wakeup is <= finalKeyMs.
func (s *stash) next(finalKeyMs int64) []*Task {
	var ready []*Task
	for _, level := range s.levels {
		for slot, b := range level {
			var kept []*Task
			for _, t := range b.tasks {
				if t.wakeupMs <= finalKeyMs {
					ready = append(ready, t)
				} else {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(level, slot)
			} else {
				b.tasks = kept
			}
		}
	}
	return ready
}
