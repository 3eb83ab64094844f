package epengine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func newTestTapManager(keepAlive int64, clk Clock, ht *HashTable, get func(string) GetValue) *TapManager {
	if ht == nil {
		ht = NewHashTable(NewCASAllocator(nil, 0), clk)
	}
	if get == nil {
		get = func(string) GetValue { return GetValue{Found: false} }
	}
	return NewTapManager(keepAlive, clk, zerolog.Nop(), ht, get)
}

func TestTapWalkQueueDeliversMutationThenPauses(t *testing.T) {
	ht := NewHashTable(NewCASAllocator(nil, 0), RealClock)
	ht.Set(NewItem("k1", 0, 0, []byte("v"), 0), 0)

	get := func(key string) GetValue {
		if sv := ht.Find(key); sv != nil {
			return GetValue{Found: true, Item: sv.item.Clone()}
		}
		return GetValue{Found: false}
	}

	m := newTestTapManager(60, RealClock, ht, get)
	m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("k1")

	evt, item, ok := m.WalkTapQueue("sub1")
	if !ok || evt != TapMutation || item.Key != "k1" {
		t.Fatalf("WalkTapQueue = (%v, %v, %v), want (MUTATION, k1, true)", evt, item, ok)
	}

	evt, _, ok = m.WalkTapQueue("sub1")
	if !ok || evt != TapPause {
		t.Fatalf("WalkTapQueue on empty queue = %v, want PAUSE", evt)
	}
}

func TestTapWalkQueueDeletionForMissingKey(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })
	m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("ghost")

	evt, item, ok := m.WalkTapQueue("sub1")
	if !ok || evt != TapDeletion || item.Key != "ghost" {
		t.Fatalf("WalkTapQueue = (%v, %v, %v), want (DELETION, ghost, true)", evt, item, ok)
	}
}

func TestTapWalkQueueUnknownSubscriber(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, nil)
	if _, _, ok := m.WalkTapQueue("nope"); ok {
		t.Fatal("WalkTapQueue for an unknown subscriber should report ok=false")
	}
}

func TestTapAddEventDedupsWithinQueue(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })
	m.CreateTapQueue("sub1", 0, 0)

	m.AddEvent("k1")
	m.AddEvent("k1")
	m.AddEvent("k2")

	conn := m.tap["sub1"]
	if got := conn.queueLen(); got != 2 {
		t.Fatalf("dedup: queue len = %d, want 2 (k1 once, k2 once)", got)
	}
}

func TestTapBackfillSeedsQueueOnCreate(t *testing.T) {
	ht := NewHashTable(NewCASAllocator(nil, 0), RealClock)
	ht.Set(NewItem("a", 0, 0, []byte("v"), 0), 0)
	ht.Set(NewItem("b", 0, 0, []byte("v"), 0), 0)

	m := newTestTapManager(60, RealClock, ht, func(string) GetValue { return GetValue{Found: false} })
	conn := m.CreateTapQueue("sub1", TapFlagBackfill, 0)

	if conn.queueLen() != 2 {
		t.Fatalf("backfill queue len = %d, want 2", conn.queueLen())
	}
}

func TestTapBackfillSkippedWithoutFlag(t *testing.T) {
	ht := NewHashTable(NewCASAllocator(nil, 0), RealClock)
	ht.Set(NewItem("a", 0, 0, []byte("v"), 0), 0)

	m := newTestTapManager(60, RealClock, ht, nil)
	conn := m.CreateTapQueue("sub1", 0, 0)

	if conn.queueLen() != 0 {
		t.Fatal("backfill should be a no-op unless TapFlagBackfill was requested")
	}
}

func TestTapDumpSubscriberDisconnectsWhenDrained(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })
	m.CreateTapQueue("sub1", TapFlagDump, 0)

	evt, _, ok := m.WalkTapQueue("sub1")
	if !ok || evt != TapDisconnect {
		t.Fatalf("WalkTapQueue for an empty dump subscriber = %v, want DISCONNECT", evt)
	}
}

func TestTapDumpSubscriberExcludedFromLiveEvents(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, nil)
	m.CreateTapQueue("sub1", TapFlagDump, 0)

	m.AddEvent("k1")

	conn := m.tap["sub1"]
	if conn.queueLen() != 0 {
		t.Fatal("a dump subscriber should not receive live AddEvent mutations")
	}
}

func TestTapBroadcastFlush(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, nil)
	m.CreateTapQueue("sub1", 0, 0)

	m.BroadcastFlush()

	evt, _, ok := m.WalkTapQueue("sub1")
	if !ok || evt != TapFlush {
		t.Fatalf("WalkTapQueue after BroadcastFlush = %v, want FLUSH", evt)
	}

	// The signal is one-shot: the next walk pauses.
	evt, _, ok = m.WalkTapQueue("sub1")
	if !ok || evt != TapPause {
		t.Fatalf("second WalkTapQueue after flush = %v, want PAUSE", evt)
	}
}

func TestTapReconnectReusesQueue(t *testing.T) {
	var cur time.Time
	clk := Clock(func() time.Time { return cur })
	m := newTestTapManager(60, clk, nil, func(string) GetValue { return GetValue{Found: false} })

	conn := m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("k")

	m.HandleDisconnect("sub1")
	cur = cur.Add(10 * time.Second) // well within the 60s keepAlive

	reconnected := m.CreateTapQueue("sub1", 0, 0)
	if reconnected != conn {
		t.Fatal("reconnect within keepAlive should reuse the same connection")
	}
	if reconnected.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", reconnected.reconnects)
	}
	if reconnected.queueLen() != 1 {
		t.Fatal("reconnected subscriber should still have its undelivered event")
	}
}

func TestTapCreateTapQueueRebindsWhileStillConnected(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })

	conn := m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("k")

	// A second create for the same name, without any disconnect in between,
	// must re-bind the live connection and adopt the new request's flags.
	rebound := m.CreateTapQueue("sub1", TapFlagDump, 42)
	if rebound != conn {
		t.Fatal("re-create for a still-connected name should reuse the connection")
	}
	if rebound.reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", rebound.reconnects)
	}
	if rebound.flags != TapFlagDump || rebound.backfillAge != 42 {
		t.Fatalf("flags/backfillAge = %d/%d, want the new request's %d/42",
			rebound.flags, rebound.backfillAge, TapFlagDump)
	}
	if rebound.queueLen() != 1 {
		t.Fatal("re-bind should keep the undelivered event")
	}
}

func TestTapZeroKeepAliveForcesFreshConnection(t *testing.T) {
	m := newTestTapManager(0, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })

	conn := m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("k")

	fresh := m.CreateTapQueue("sub1", 0, 0)
	if fresh == conn {
		t.Fatal("zero keep-alive should force-close the old connection, not reuse it")
	}
	if fresh.reconnects != 0 {
		t.Fatalf("reconnects = %d, want 0 on a forced fresh connection", fresh.reconnects)
	}
	if fresh.queueLen() != 0 {
		t.Fatal("forced fresh connection should start with an empty queue")
	}
}

func TestTapExpiredConnectionPurged(t *testing.T) {
	var cur time.Time
	clk := Clock(func() time.Time { return cur })
	m := newTestTapManager(5, clk, nil, nil)

	conn := m.CreateTapQueue("sub1", 0, 0)
	m.HandleDisconnect("sub1")
	cur = cur.Add(10 * time.Second) // past the 5s keepAlive

	fresh := m.CreateTapQueue("sub1", 0, 0)
	if fresh == conn {
		t.Fatal("expired connection should have been purged, not reused")
	}
}

func TestTapStats(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })
	m.CreateTapQueue("sub1", 0, 0)
	m.AddEvent("k")
	m.WalkTapQueue("sub1")

	stats := m.Stats()
	if stats["sub1:qlen"] != 0 {
		t.Fatalf("sub1:qlen = %d, want 0 after walking the only event", stats["sub1:qlen"])
	}
	if stats["sub1:rec_fetched"] != 1 {
		t.Fatalf("sub1:rec_fetched = %d, want 1", stats["sub1:rec_fetched"])
	}
	if stats["ep_tap_total_fetched"] != 1 {
		t.Fatalf("ep_tap_total_fetched = %d, want 1", stats["ep_tap_total_fetched"])
	}
}

func TestTapNotifyHookCalledOnWake(t *testing.T) {
	m := newTestTapManager(60, RealClock, nil, func(string) GetValue { return GetValue{Found: false} })
	m.CreateTapQueue("sub1", 0, 0)

	woken := make(chan string, 1)
	m.SetNotifyHook(func(name string) { woken <- name })

	g, _ := errgroup.WithContext(context.Background())
	m.Run(g)
	defer func() {
		m.Stop()
		_ = g.Wait()
	}()

	// Pause the subscriber first, as the notifier only wakes paused ones.
	m.WalkTapQueue("sub1")

	m.AddEvent("k1")

	select {
	case name := <-woken:
		if name != "sub1" {
			t.Fatalf("woken subscriber = %q, want sub1", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the notify hook to fire")
	}
}
