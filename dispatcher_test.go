package epengine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDispatcherRunsScheduledTask(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	var ran atomic.Bool
	done := make(chan struct{})
	d.Schedule(func(id TaskID) bool {
		ran.Store(true)
		close(done)
		return false
	}, 0, 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestDispatcherPriorityOrder(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	mk := func(p int) TaskFunc {
		return func(id TaskID) bool {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			wg.Done()
			return false
		}
	}

	// Schedule lowest-priority-number first, before the dispatcher starts,
	// to verify re-ordering rather than FIFO submission order.
	d.Schedule(mk(1), 1, 0)
	d.Schedule(mk(3), 3, 0)
	d.Schedule(mk(2), 2, 0)

	go d.Run()
	defer d.Stop()

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("order = %v, want [3 2 1] (highest priority first)", order)
	}
}

func TestDispatcherKillPreventsRun(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	var ran atomic.Bool
	id := d.Schedule(func(TaskID) bool {
		ran.Store(true)
		return false
	}, 0, 200*time.Millisecond)

	d.Kill(id)
	time.Sleep(400 * time.Millisecond)

	if ran.Load() {
		t.Fatal("killed task should not have run")
	}
}

func TestDispatcherReschedule(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	var oldRan, newRan atomic.Bool
	done := make(chan struct{})

	id := d.Schedule(func(tid TaskID) bool {
		oldRan.Store(true)
		return false
	}, 0, 200*time.Millisecond)

	d.Reschedule(id, func(tid TaskID) bool {
		newRan.Store(true)
		close(done)
		return false
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled task never ran")
	}
	if oldRan.Load() {
		t.Fatal("original callback should never have run after reschedule")
	}
	if !newRan.Load() {
		t.Fatal("rescheduled callback should have run")
	}
}

func TestDispatcherSnoozeDelays(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	start := time.Now()
	done := make(chan time.Time, 1)

	id := d.Schedule(func(TaskID) bool {
		done <- time.Now()
		return false
	}, 0, time.Hour)

	d.Snooze(id, 300*time.Millisecond)

	select {
	case when := <-done:
		if when.Sub(start) < 250*time.Millisecond {
			t.Fatalf("task ran too soon: %v after start", when.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("snoozed task never ran")
	}
}

func TestDispatcherStopIsIdempotentAndBlocks(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()

	d.Stop()
	// A second Stop should not hang.
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop hung")
	}
}

func TestDispatcherSurvivesPanickingTask(t *testing.T) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	go d.Run()
	defer d.Stop()

	d.Schedule(func(TaskID) bool {
		panic("boom")
	}, 0, 0)

	done := make(chan struct{})
	d.Schedule(func(TaskID) bool {
		close(done)
		return false
	}, 1, 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not survive panicking task")
	}
}
