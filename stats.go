package epengine

import "sync/atomic"

// EPStats is the engine's counter block. Counters are plain atomics rather
// than guarded by the store's own locks, since they are touched from the
// dispatcher goroutine, the tap notifier goroutine, and client-calling
// goroutines concurrently, so a single guarding mutex would serialize
// unrelated hot paths against each other.
type EPStats struct {
	CurrItems int64

	MinDataAge  int64
	QueueAgeCap int64

	TotalEnqueued uint64
	QueueSize     int64
	FlusherTodo   int64

	TooYoung uint64
	TooOld   uint64

	DirtyAge        int64
	DirtyAgeHighWat int64
	DataAge         int64
	DataAgeHighWat  int64

	FlushDuration        int64
	FlushDurationHighWat int64
	CommitTime           int64
	CommitFailed         uint64
	FlushFailed          uint64
	TotalPersisted       uint64

	WarmedUp   uint64
	WarmupTime int64
	WarmupDone atomicBool
}

// atomicBool is a tiny CAS-backed boolean, used where a plain bool would
// race (WarmupDone is read by callers while the warmup goroutine writes it
// once).
type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) Set(val bool) { b.v.Store(val) }
func (b *atomicBool) Get() bool    { return b.v.Load() }

func (s *EPStats) incrCurrItems()          { atomic.AddInt64(&s.CurrItems, 1) }
func (s *EPStats) decrCurrItems()          { atomic.AddInt64(&s.CurrItems, -1) }
func (s *EPStats) incrCurrItemsBy(n int64) { atomic.AddInt64(&s.CurrItems, n) }

func (s *EPStats) getMinDataAge() int64  { return atomic.LoadInt64(&s.MinDataAge) }
func (s *EPStats) setMinDataAge(v int64) { atomic.StoreInt64(&s.MinDataAge, v) }

func (s *EPStats) getQueueAgeCap() int64  { return atomic.LoadInt64(&s.QueueAgeCap) }
func (s *EPStats) setQueueAgeCap(v int64) { atomic.StoreInt64(&s.QueueAgeCap, v) }

// resetDerived zeroes TooYoung, TooOld, DirtyAge and its high-water mark,
// FlushDuration and its high-water mark, and CommitTime. DataAge,
// DataAgeHighWat and the cumulative counters like
// TotalEnqueued/TotalPersisted are left alone.
func (s *EPStats) resetDerived() {
	atomic.StoreUint64(&s.TooYoung, 0)
	atomic.StoreUint64(&s.TooOld, 0)
	atomic.StoreInt64(&s.DirtyAge, 0)
	atomic.StoreInt64(&s.DirtyAgeHighWat, 0)
	atomic.StoreInt64(&s.FlushDuration, 0)
	atomic.StoreInt64(&s.FlushDurationHighWat, 0)
	atomic.StoreInt64(&s.CommitTime, 0)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
