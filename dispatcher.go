package epengine

import (
	"container/heap"
	"time"

	"github.com/rs/zerolog"
)

// taskHeap is a container/heap.Interface over *task, ordered by less().
type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dispatcher is a single-goroutine priority/waketime-ordered task runner:
// ready tasks run before sleeping ones, ready tasks run in priority order,
// sleeping tasks wake in waketime order.
type Dispatcher struct {
	sync  *SyncObject
	heap  taskHeap
	slots []*task // slot index -> current task occupying it, for TaskID validation

	stopping bool
	stopped  bool

	clk Clock
	log zerolog.Logger
}

// NewDispatcher builds a Dispatcher. clk supplies "now" for waketime math;
// log receives state-transition and panic-recovery messages.
func NewDispatcher(clk Clock, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sync: NewSyncObject(),
		clk:  clk,
		log:  log.With().Str("component", "dispatcher").Logger(),
	}
}

// Schedule adds fn to the ready queue at priority, to run after sleepFor
// (zero means immediately ready). Returns a TaskID usable with Snooze/Kill.
func (d *Dispatcher) Schedule(fn TaskFunc, priority int, sleepFor time.Duration) TaskID {
	d.sync.Lock()
	defer d.sync.Unlock()

	t := &task{fn: fn, priority: priority}
	if sleepFor > 0 {
		t.state = taskSleeping
		t.waketime = d.clk().Add(sleepFor)
	} else {
		t.state = taskRunning
	}

	slot := len(d.slots)
	t.slot = slot
	t.generation = 1
	d.slots = append(d.slots, t)
	heap.Push(&d.heap, t)
	d.sync.Notify()
	return TaskID{slot: slot, generation: t.generation}
}

// resolve returns the live task for id, or nil if it has been killed or
// superseded since id was issued.
func (d *Dispatcher) resolve(id TaskID) *task {
	if id.slot < 0 || id.slot >= len(d.slots) {
		return nil
	}
	t := d.slots[id.slot]
	if t == nil || t.generation != id.generation || t.state == taskDead {
		return nil
	}
	return t
}

// Snooze reschedules id to run no sooner than sleepFor from now. A stale id
// is silently ignored.
func (d *Dispatcher) Snooze(id TaskID, sleepFor time.Duration) {
	d.sync.Lock()
	defer d.sync.Unlock()

	t := d.resolve(id)
	if t == nil {
		return
	}
	t.state = taskSleeping
	t.waketime = d.clk().Add(sleepFor)
	if i := indexOf(d.heap, t); i >= 0 {
		heap.Fix(&d.heap, i)
	} // else: t is mid-execution and not in the heap; runOne's post-run
	// re-push below will pick up the updated state/waketime fields.
	d.sync.Notify()
}

// Kill marks id dead; the dispatcher drops it on its next pop without
// invoking it again.
func (d *Dispatcher) Kill(id TaskID) {
	d.sync.Lock()
	defer d.sync.Unlock()

	t := d.resolve(id)
	if t == nil {
		return
	}
	t.state = taskDead
	d.slots[id.slot] = nil
	d.sync.Notify()
}

// Reschedule kills id and schedules fn fresh at the same priority,
// preserving the replaced task's waketime if it is still sleeping.
func (d *Dispatcher) Reschedule(id TaskID, fn TaskFunc) TaskID {
	d.sync.Lock()
	priority := 0
	var sleepFor time.Duration
	if t := d.resolve(id); t != nil {
		priority = t.priority
		if t.state == taskSleeping {
			if remaining := t.waketime.Sub(d.clk()); remaining > 0 {
				sleepFor = remaining
			}
		}
		t.state = taskDead
		d.slots[id.slot] = nil
	}
	d.sync.Unlock()
	return d.Schedule(fn, priority, sleepFor)
}

func indexOf(h taskHeap, t *task) int {
	for i, v := range h {
		if v == t {
			return i
		}
	}
	return -1
}

// Run is the dispatcher's main loop: pop the next task by priority/waketime
// order, invoke it, reschedule if it asked to be rescheduled. Intended to
// run in its own goroutine until Stop is called.
func (d *Dispatcher) Run() {
	d.sync.Lock()
	defer func() {
		d.stopped = true
		d.sync.Notify()
		d.sync.Unlock()
	}()

	for {
		if d.stopping {
			return
		}
		for len(d.heap) > 0 && d.heap[0].state == taskDead {
			heap.Pop(&d.heap)
		}
		if len(d.heap) == 0 {
			d.sync.Wait()
			continue
		}

		next := d.heap[0]
		if next.state == taskSleeping {
			if !d.sync.WaitUntil(next.waketime) && !next.waketime.After(d.clk()) {
				// Deadline reached: this task is now ready to run.
				next.state = taskRunning
				heap.Fix(&d.heap, 0)
			}
			continue
		}

		heap.Pop(&d.heap)
		fn := next.fn
		slot := next.slot
		gen := next.generation

		d.sync.Unlock()
		again := d.runOne(fn, TaskID{slot: slot, generation: gen})
		d.sync.Lock()

		if d.slots[slot] != next || next.state == taskDead {
			continue // killed while running
		}
		if again {
			if next.state != taskSleeping {
				// Not already snoozed by the task itself mid-run (the
				// common self-reschedule pattern): default to ready.
				next.state = taskRunning
			}
			heap.Push(&d.heap, next)
		} else {
			d.slots[slot] = nil
		}
	}
}

// runOne invokes fn, recovering any panic and logging it; the dispatcher
// survives a misbehaving task.
func (d *Dispatcher) runOne(fn TaskFunc, id TaskID) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("task panicked, dropping")
			again = false
		}
	}()
	return fn(id)
}

// Stop requests the dispatcher's Run loop to exit and blocks until it does.
func (d *Dispatcher) Stop() {
	d.sync.Lock()
	d.stopping = true
	d.sync.Notify()
	for !d.stopped {
		d.sync.Wait()
	}
	d.sync.Unlock()
}
