package epengine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFlusher(s *Store, warmupItems map[string]*Item) (*Flusher, *Dispatcher) {
	d := NewDispatcher(RealClock, zerolog.Nop())
	warmup := func(ctx context.Context) error {
		for _, it := range warmupItems {
			s.ht.Add(it, false, 0)
		}
		atomic.StoreUint64(&s.stats.WarmedUp, uint64(len(warmupItems)))
		return nil
	}
	f := NewFlusher(s, d, RealClock, zerolog.Nop(), warmup)
	return f, d
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to flusherState
		want     bool
	}{
		{flusherInitializing, flusherRunning, true},
		{flusherInitializing, flusherStopping, false},
		{flusherRunning, flusherPausing, true},
		{flusherRunning, flusherStopping, true},
		{flusherRunning, flusherPaused, false},
		{flusherPausing, flusherPaused, true},
		{flusherPausing, flusherStopping, true},
		{flusherPaused, flusherRunning, true},
		{flusherPaused, flusherStopping, true},
		{flusherPaused, flusherPausing, false},
		{flusherStopping, flusherStopped, true},
		{flusherStopped, flusherRunning, false},
	}
	for _, c := range cases {
		if got := validTransition(c.from, c.to); got != c.want {
			t.Errorf("validTransition(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFlusherWarmupThenRunning(t *testing.T) {
	fake := newFakeKVStore()
	s, _ := newTestStore(fake, true)

	warmItems := map[string]*Item{"wk": NewItem("wk", 0, 0, []byte("wv"), 0)}
	f, d := newTestFlusher(s, warmItems)
	go d.Run()
	defer d.Stop()

	f.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == flusherRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.State() != flusherRunning {
		t.Fatalf("flusher state = %v, want running", f.State())
	}

	if s.ht.Find("wk") == nil {
		t.Fatal("warmup should have loaded wk into the hash table")
	}
}

func TestFlusherPauseResume(t *testing.T) {
	fake := newFakeKVStore()
	s, _ := newTestStore(fake, true)
	f, d := newTestFlusher(s, nil)
	go d.Run()
	defer d.Stop()

	f.Start()
	waitForState(t, f, flusherRunning)

	if !f.Pause() {
		t.Fatal("pause from running should be accepted")
	}
	waitForState(t, f, flusherPaused)

	if !f.Resume() {
		t.Fatal("resume from paused should be accepted")
	}
	waitForState(t, f, flusherRunning)
}

func TestFlusherStopDrainsAndReachesStopped(t *testing.T) {
	fake := newFakeKVStore()
	s, _ := newTestStore(fake, true)
	f, d := newTestFlusher(s, nil)
	go d.Run()
	defer d.Stop()

	f.Start()
	waitForState(t, f, flusherRunning)

	// A high min_data_age would normally defer this key for a long time;
	// stop must force it out regardless.
	s.stats.MinDataAge = 3600
	s.Set(NewItem("k", 0, 0, []byte("v"), 0))

	if !f.Stop() {
		t.Fatal("stop from running should be accepted")
	}
	if f.State() != flusherStopped {
		t.Fatalf("flusher state = %v, want stopped", f.State())
	}
	if _, ok := fake.get("k"); !ok {
		t.Fatal("stop should drain the write-behind queue before reaching stopped")
	}
}

func waitForState(t *testing.T, f *Flusher, want flusherState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("flusher never reached state %v, stuck at %v", want, f.State())
}
