package epengine

import "time"

type taskState int

const (
	taskRunning taskState = iota
	taskSleeping
	taskDead
)

// TaskFunc is a dispatcher job. It returns whether the dispatcher should
// reschedule it (true) or let it die (false).
type TaskFunc func(id TaskID) bool

// task is the dispatcher's internal bookkeeping for one scheduled job.
type task struct {
	fn         TaskFunc
	priority   int
	state      taskState
	waketime   time.Time
	generation uint64
	slot       int
}

// TaskID is a handle to a scheduled task. Every Schedule takes a new slot
// and slots are never reused; once the task is killed or retires its slot
// is cleared, so Snooze/Kill on a stale TaskID are silent no-ops.
type TaskID struct {
	slot       int
	generation uint64
}

// less orders tasks the way Dispatcher's priority queue expects: any
// running task sorts before any sleeping task; among running tasks, higher
// priority value sorts first; among sleeping tasks, earlier waketime sorts
// first. Dead tasks never appear in the queue.
//
// container/heap is a min-heap (Pop returns the element for which Less is
// least), so the comparison on priority is inverted to make higher
// priority values pop first.
func less(a, b *task) bool {
	if a.state != b.state {
		return a.state == taskRunning
	}
	if a.state == taskRunning {
		return a.priority > b.priority
	}
	return a.waketime.Before(b.waketime)
}
