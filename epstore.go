package epengine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store is the eventually-persistent key/value engine core: the striped
// hash table plus the write-behind queueing, age-gated flush admission, and
// transactional batching that push dirty entries to a KVStore.
type Store struct {
	ht    *HashTable
	stats *EPStats
	clk   Clock
	log   zerolog.Logger

	underlying KVStore
	doPersist  bool

	towrite *shardedQueue
	writing *keyQueue

	lockTimeout int64
	txnSize     int64 // read by the flusher, writable at runtime via SetTxnSize
	maxItemSize int

	tapNotify func(key string) // wired to TapManager.AddEvent by Engine; nil-checked before use
}

// SetTapNotify wires the tap notification hook. Called once by Engine
// after both the store and the tap manager exist, breaking the
// construction-order cycle between them.
func (s *Store) SetTapNotify(fn func(key string)) { s.tapNotify = fn }

func (s *Store) notifyTap(key string) {
	if s.tapNotify != nil {
		s.tapNotify(key)
	}
}

func newStore(ht *HashTable, stats *EPStats, clk Clock, log zerolog.Logger, underlying KVStore, doPersist bool, lockTimeout int64, txnSize int, maxItemSize int, numShards int) *Store {
	return &Store{
		ht:          ht,
		stats:       stats,
		clk:         clk,
		log:         log.With().Str("component", "store").Logger(),
		underlying:  underlying,
		doPersist:   doPersist,
		towrite:     newShardedQueue(numShards),
		writing:     &keyQueue{},
		lockTimeout: lockTimeout,
		txnSize:     int64(txnSize),
		maxItemSize: maxItemSize,
	}
}

// now is the store's relative time in seconds, offset by one so that a
// clock sitting exactly at the Unix epoch does not yield 0, the value
// StoredValue.dirtied reserves for "clean".
func (s *Store) now() int64 { return relTime(s.clk, time.Unix(0, 0)) + 1 }

// Set inserts or updates key, queueing it dirty on success.
func (s *Store) Set(it *Item) (mutationType, error) {
	if len(it.Value) > s.maxItemSize {
		return mutNotFound, ErrOutOfMemory
	}
	now := s.now()
	mtype := s.ht.Set(it, now)

	switch mtype {
	case mutInvalidCAS:
		return mtype, ErrCASConflict
	case mutIsLocked:
		return mtype, ErrLocked
	case mutWasClean, mutNotFound:
		s.queueDirty(it.Key)
		if mtype == mutNotFound {
			s.stats.incrCurrItems()
		}
	}
	s.notifyTap(it.Key)
	return mtype, nil
}

// Get returns a copy of key's value. The CAS is reported as the sentinel
// ^0 (all-ones) if the item is currently locked by another caller.
func (s *Store) Get(key string) GetValue {
	bn := s.ht.Bucket(key)
	mu := s.ht.Lock(bn)
	mu.Lock()
	defer mu.Unlock()

	sv := s.ht.findLocked(key, bn)
	if sv == nil {
		return GetValue{Found: false}
	}
	clone := sv.item.Clone()
	if sv.isLocked(s.now()) {
		clone.Cas = ^uint64(0)
	}
	return GetValue{Found: true, Item: clone}
}

// GetLocked acquires a write lock on key for lockTimeout seconds and bumps
// its CAS, returning the fresh value. Returns ok=false if the key is already
// locked, whoever holds the lock.
func (s *Store) GetLocked(key string, lockTimeout int64) (GetValue, bool) {
	if lockTimeout == 0 {
		lockTimeout = s.lockTimeout
	}
	now := s.now()
	bn := s.ht.Bucket(key)
	mu := s.ht.Lock(bn)
	mu.Lock()
	defer mu.Unlock()

	sv := s.ht.findLocked(key, bn)
	if sv == nil {
		return GetValue{Found: false}, true
	}
	if sv.isLocked(now) {
		return GetValue{Found: false}, false
	}

	sv.lock(now + lockTimeout)
	clone := sv.item.Clone()
	newCas := s.ht.cas.Next()
	clone.Cas = newCas
	sv.setCas(newCas)

	return GetValue{Found: true, Item: clone}, true
}

// GetKeyStats returns a single key's dirty/age/cas metadata without
// removing it.
func (s *Store) GetKeyStats(key string) (KeyStats, bool) {
	bn := s.ht.Bucket(key)
	mu := s.ht.Lock(bn)
	mu.Lock()
	defer mu.Unlock()

	sv := s.ht.findLocked(key, bn)
	if sv == nil {
		return KeyStats{}, false
	}
	return KeyStats{
		Dirty:   sv.isDirty(),
		Exptime: sv.item.Exptime,
		Flags:   sv.item.Flags,
		Cas:     sv.cas(),
		Dirtied: sv.dirtied,
		DataAge: sv.dataAge,
	}, true
}

// Del removes key, queueing the deletion for tombstone persistence if it
// existed.
func (s *Store) Del(key string) bool {
	existed := s.ht.Delete(key)
	if existed {
		s.queueDirty(key)
		s.stats.decrCurrItems()
		s.notifyTap(key)
	}
	return existed
}

// Add inserts it only if key is currently absent, reporting ErrNotStored
// otherwise. This is a non-atomic get-then-set: a concurrent Add/Set
// racing between the Get and the Set below can still both succeed.
func (s *Store) Add(it *Item) error {
	if len(it.Value) > s.maxItemSize {
		return ErrOutOfMemory
	}
	if gv := s.Get(it.Key); gv.Found {
		return ErrNotStored
	}
	_, err := s.Set(it)
	return err
}

// Replace overwrites it only if key is currently present, reporting
// ErrNotStored otherwise. Same non-atomic get-then-set shape as Add.
func (s *Store) Replace(it *Item) error {
	if len(it.Value) > s.maxItemSize {
		return ErrOutOfMemory
	}
	if gv := s.Get(it.Key); !gv.Found {
		return ErrNotStored
	}
	_, err := s.Set(it)
	return err
}

// maxCompoundRetries bounds the append/prepend get-then-set-with-CAS retry
// loop; an unbounded retry has no termination guarantee under concurrent
// writers to the same key.
const maxCompoundRetries = 3

// mutate applies edit to key's current value and writes it back with
// CAS validation, retrying on a concurrent CAS race, with at most
// maxCompoundRetries attempts in total. Shared by Append/Prepend, which read,
// transform, and set-with-CAS rather than holding the stripe across the
// whole operation.
func (s *Store) mutate(key string, edit func(*Item)) (*Item, error) {
	for attempt := 0; attempt < maxCompoundRetries; attempt++ {
		gv := s.Get(key)
		if !gv.Found {
			return nil, ErrNotFound
		}
		if gv.Item.Cas == ^uint64(0) {
			return nil, ErrLocked
		}

		next := gv.Item.Clone()
		edit(next)
		next.Cas = gv.Item.Cas

		mtype, err := s.Set(next)
		switch {
		case err == ErrCASConflict:
			continue // lost the race; re-fetch and retry
		case err != nil:
			return nil, err
		case mtype == mutNotFound:
			// The key vanished between Get and Set (concurrent Del); Set
			// has just inserted it fresh rather than appended to it. Undo
			// that and report not-found.
			s.Del(key)
			return nil, ErrNotFound
		default:
			return next, nil
		}
	}
	return nil, ErrCASConflict
}

// Append concatenates extra onto key's current value, retrying on CAS
// races.
func (s *Store) Append(key string, extra []byte) (*Item, error) {
	return s.mutate(key, func(it *Item) { it.Append(extra) })
}

// Prepend is Append's mirror image.
func (s *Store) Prepend(key string, extra []byte) (*Item, error) {
	return s.mutate(key, func(it *Item) { it.Prepend(extra) })
}

// Visit applies fn to every stored value, bucket by bucket. Used by tap
// backfill and the shutdown verification walk.
func (s *Store) Visit(fn HashVisitor) { s.ht.Visit(fn) }

// Reset blows away the in-memory state: every hash-table entry is dropped
// and the live-item counter zeroed. Keys still sitting in the write-behind
// queues resolve to tombstones when the flusher reaches them, so the
// backing store converges on the same empty state.
func (s *Store) Reset() {
	s.ht.Clear()
	atomic.StoreInt64(&s.stats.CurrItems, 0)
}

// SetMinDataAge / SetQueueAgeCap are the operational tunable setters
// exposed on Engine.
func (s *Store) SetMinDataAge(seconds int64)  { s.stats.setMinDataAge(seconds) }
func (s *Store) SetQueueAgeCap(seconds int64) { s.stats.setQueueAgeCap(seconds) }

// SetTxnSize changes how many keys each flush transaction may carry; the
// flusher picks up the new value on its next batch.
func (s *Store) SetTxnSize(n int) { atomic.StoreInt64(&s.txnSize, int64(n)) }

// ResetStats zeroes the derived counters, leaving cumulative ones alone.
func (s *Store) ResetStats() { s.stats.resetDerived() }

// queueDirty pushes key onto the write-behind queue. A no-op entirely when
// persistence is disabled (EP_NO_PERSISTENCE).
func (s *Store) queueDirty(key string) {
	if !s.doPersist {
		return
	}
	s.towrite.Push(key)
	atomic.AddUint64(&s.stats.TotalEnqueued, 1)
	atomic.StoreInt64(&s.stats.QueueSize, int64(s.towrite.Len()))
}

// BeginFlush drains the towrite queue into writing and returns it, or nil
// if there is nothing to flush.
func (s *Store) BeginFlush() *keyQueue {
	if s.towrite.Empty() && s.writing.Empty() {
		atomic.StoreInt64(&s.stats.DirtyAge, 0)
		return nil
	}
	s.towrite.GetAll(s.writing)
	atomic.StoreInt64(&s.stats.FlusherTodo, int64(s.writing.Len()))
	atomic.StoreInt64(&s.stats.QueueSize, int64(s.towrite.Len()))
	s.log.Debug().Int("flushing", s.writing.Len()).Int("queued", s.towrite.Len()).Msg("flushing items")
	return s.writing
}

// CompleteFlush requeues rejects back onto writing and records flush
// duration stats.
func (s *Store) CompleteFlush(reject *keyQueue, flushStart int64) {
	for !reject.Empty() {
		s.writing.Push(reject.Pop())
	}
	atomic.StoreInt64(&s.stats.QueueSize, int64(s.towrite.Len()+s.writing.Len()))

	complete := s.now()
	dur := complete - flushStart
	atomic.StoreInt64(&s.stats.FlushDuration, dur)
	atomic.StoreInt64(&s.stats.FlushDurationHighWat, maxInt64(dur, atomic.LoadInt64(&s.stats.FlushDurationHighWat)))
}

// FlushSome commits up to txnSize keys from q in one transaction, retrying
// commit on failure. Returns the smallest "too-young" shortfall across the
// batch, or the current min data age if no item was rejected as too young.
func (s *Store) FlushSome(ctx context.Context, q *keyQueue, reject *keyQueue) int64 {
	if err := s.underlying.Begin(ctx); err != nil {
		s.log.Error().Err(err).Msg("begin failed")
	}
	oldest := s.stats.getMinDataAge()

	txn := atomic.LoadInt64(&s.txnSize)
	for i := int64(0); i < txn && !q.Empty(); i++ {
		n := s.flushOne(ctx, q, reject)
		if n != 0 && n < oldest {
			oldest = n
		}
	}

	cstart := s.now()
	for !s.underlying.Commit(ctx) {
		time.Sleep(time.Second)
		atomic.AddUint64(&s.stats.CommitFailed, 1)
	}
	complete := s.now()
	atomic.StoreInt64(&s.stats.CommitTime, complete-cstart)

	return oldest
}

// flushOne pops one key and, if still dirty, applies the age-gated
// admission policy before handing it to the backing store. Exceeding
// queueAgeCap force-flushes through (only bumping tooOld), while dataAge
// below minDataAge actually rejects the key back onto reject.
func (s *Store) flushOne(ctx context.Context, q *keyQueue, reject *keyQueue) int64 {
	key := q.Pop()

	bn := s.ht.Bucket(key)
	mu := s.ht.Lock(bn)
	mu.Lock()

	sv := s.ht.findLocked(key, bn)
	found := sv != nil
	isDirty := found && sv.isDirty()

	var val *Item
	var queued, dirtied int64
	var ret int64

	if isDirty {
		queued, dirtied = sv.markClean()
		now := s.now()
		dataAge := now - dirtied
		dirtyAge := now - queued
		if dirtyAge >= 86400*30 {
			// A month-old dirty entry means the age bookkeeping itself is
			// broken.
			s.log.Error().Str("key", key).Int64("dirty_age", dirtyAge).Msg("implausible dirty age")
		}
		eligible := true

		if dirtyAge > s.stats.getQueueAgeCap() {
			atomic.AddUint64(&s.stats.TooOld, 1)
		} else if dataAge < s.stats.getMinDataAge() {
			eligible = false
			ret = s.stats.getMinDataAge() - dataAge
			isDirty = false
			atomic.AddUint64(&s.stats.TooYoung, 1)
			sv.reDirty(queued, dirtied)
			reject.Push(key)
		}

		if eligible {
			atomic.StoreInt64(&s.stats.DirtyAge, dirtyAge)
			atomic.StoreInt64(&s.stats.DataAge, dataAge)
			atomic.StoreInt64(&s.stats.DirtyAgeHighWat, maxInt64(dirtyAge, atomic.LoadInt64(&s.stats.DirtyAgeHighWat)))
			atomic.StoreInt64(&s.stats.DataAgeHighWat, maxInt64(dataAge, atomic.LoadInt64(&s.stats.DataAgeHighWat)))
			val = sv.item.Clone()
			atomic.AddUint64(&s.stats.TotalPersisted, 1)
		}
	}
	atomic.AddInt64(&s.stats.FlusherTodo, -1)
	mu.Unlock()

	requeue := func(ok bool) {
		if ok {
			return
		}
		atomic.AddUint64(&s.stats.FlushFailed, 1)
		mu.Lock()
		if sv2 := s.ht.findLocked(key, bn); sv2 != nil {
			sv2.reDirty(queued, dirtied)
		}
		mu.Unlock()
		reject.Push(key)
	}

	switch {
	case found && isDirty:
		s.underlying.Set(ctx, val, requeue)
	case !found:
		s.underlying.Del(ctx, key, requeue)
	}

	return ret
}

// FlushAll clears the entire hash table. A non-zero delay is unsupported.
func (s *Store) FlushAll(delay time.Duration) error {
	if delay != 0 {
		return ErrUnsupported
	}
	s.Reset()
	return nil
}

// DirtyKeys returns every currently-dirty key, used by the shutdown
// verification assertion.
func (s *Store) DirtyKeys() []string {
	var dirty []string
	s.ht.Visit(func(sv *StoredValue) {
		if sv.isDirty() {
			dirty = append(dirty, sv.key())
		}
	})
	return dirty
}
