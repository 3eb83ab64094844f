package epengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type flusherState int

const (
	flusherInitializing flusherState = iota
	flusherRunning
	flusherPausing
	flusherPaused
	flusherStopping
	flusherStopped
)

func (s flusherState) String() string {
	switch s {
	case flusherInitializing:
		return "initializing"
	case flusherRunning:
		return "running"
	case flusherPausing:
		return "pausing"
	case flusherPaused:
		return "paused"
	case flusherStopping:
		return "stopping"
	case flusherStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// validTransition is the flusher's legal-transition table.
func validTransition(from, to flusherState) bool {
	switch from {
	case flusherInitializing:
		return to == flusherRunning
	case flusherRunning:
		return to == flusherPausing || to == flusherStopping
	case flusherPausing:
		return to == flusherPaused || to == flusherStopping
	case flusherPaused:
		return to == flusherRunning || to == flusherStopping
	case flusherStopping:
		return to == flusherStopped
	default:
		return false
	}
}

// Flusher drives Store's write-behind queue off a Dispatcher task, cycling
// through the six-state machine above.
type Flusher struct {
	store      *Store
	dispatcher *Dispatcher
	clk        Clock
	log        zerolog.Logger

	warmup func(ctx context.Context) error

	mu    sync.Mutex
	state flusherState
	task  TaskID
	sync  *SyncObject
}

// NewFlusher builds a Flusher. warmup is invoked once during the
// initializing state, before the first transition to running.
func NewFlusher(store *Store, dispatcher *Dispatcher, clk Clock, log zerolog.Logger, warmup func(context.Context) error) *Flusher {
	return &Flusher{
		store:      store,
		dispatcher: dispatcher,
		clk:        clk,
		log:        log.With().Str("component", "flusher").Logger(),
		warmup:     warmup,
		state:      flusherInitializing,
		sync:       NewSyncObject(),
	}
}

// Start schedules the flusher's first task.
func (f *Flusher) Start() {
	f.mu.Lock()
	f.task = f.dispatcher.Schedule(f.step, 0, 0)
	f.mu.Unlock()
}

func (f *Flusher) State() flusherState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// transition validates and applies a state change, then kills the current
// task and reschedules a fresh, immediately ready one, so the dispatcher
// runs the new state's step as soon as it is free rather than waiting out
// the old task's snooze.
func (f *Flusher) transition(to flusherState) bool {
	f.mu.Lock()
	if !validTransition(f.state, to) {
		f.mu.Unlock()
		return false
	}
	f.state = to
	oldTask := f.task
	f.mu.Unlock()

	f.log.Debug().Str("to", to.String()).Msg("flusher transition")

	f.dispatcher.Kill(oldTask)
	newTask := f.dispatcher.Schedule(f.step, 0, 0)

	f.mu.Lock()
	f.task = newTask
	f.mu.Unlock()

	f.sync.Lock()
	f.sync.Notify()
	f.sync.Unlock()
	return true
}

// Pause requests a transition to pausing; the flusher finishes draining its
// current batch before settling into paused.
func (f *Flusher) Pause() bool { return f.transition(flusherPausing) }

// Resume transitions a paused flusher back to running.
func (f *Flusher) Resume() bool { return f.transition(flusherRunning) }

// Stop requests shutdown and, if accepted, blocks until the flusher reaches
// flusherStopped.
func (f *Flusher) Stop() bool {
	if !f.transition(flusherStopping) {
		return false
	}
	f.Wait()
	return true
}

// Wait blocks until the flusher reaches flusherStopped.
func (f *Flusher) Wait() {
	f.sync.Lock()
	for f.State() != flusherStopped {
		f.sync.Wait()
	}
	f.sync.Unlock()
}

// step is the dispatcher-scheduled callback; it switches on the current
// state.
func (f *Flusher) step(id TaskID) bool {
	switch f.State() {
	case flusherInitializing:
		start := f.clk()
		ctx := context.Background()
		if f.warmup != nil {
			if err := f.warmup(ctx); err != nil {
				f.log.Error().Err(err).Msg("warmup failed")
			}
		}
		atomic.StoreInt64(&f.store.stats.WarmupTime, int64(f.clk().Sub(start).Seconds()))
		f.store.stats.WarmupDone.Set(true)
		f.store.stats.incrCurrItemsBy(int64(atomic.LoadUint64(&f.store.stats.WarmedUp)))
		f.transition(flusherRunning)
		return false

	case flusherRunning:
		flushStart := f.store.now()
		q := f.store.BeginFlush()
		if q == nil {
			f.dispatcher.Snooze(id, time.Second)
			return true
		}
		reject := &keyQueue{}
		var minAge int64
		for !q.Empty() {
			n := f.store.FlushSome(context.Background(), q, reject)
			if n != 0 && (minAge == 0 || n < minAge) {
				minAge = n
			}
			if f.State() != flusherRunning {
				break
			}
		}
		f.store.CompleteFlush(reject, flushStart)
		if minAge > 0 {
			f.dispatcher.Snooze(id, time.Duration(minAge)*time.Second)
		}
		return true

	case flusherPausing:
		f.transition(flusherPaused)
		return false

	case flusherPaused:
		return false

	case flusherStopping:
		f.store.stats.setMinDataAge(0)
		flushStart := f.store.now()
		q := f.store.BeginFlush()
		for q != nil && !q.Empty() {
			reject := &keyQueue{}
			f.store.FlushSome(context.Background(), q, reject)
			f.store.CompleteFlush(reject, flushStart)
			q = f.store.BeginFlush()
		}
		f.transition(flusherStopped)
		return false

	default: // flusherStopped
		return false
	}
}
