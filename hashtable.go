package epengine

import "sync"

// Default bucket and stripe-lock counts, both prime so bucket-to-stripe
// assignment stays uniform.
const (
	htSize   = 196613
	htNLocks = 193
)

// HashVisitor is called once per stored value during a full Visit sweep.
type HashVisitor func(sv *StoredValue)

// HashTable is a fixed-bucket-count, stripe-locked, open-chained hash
// table.
type HashTable struct {
	buckets []*StoredValue
	locks   []sync.Mutex

	cas *CASAllocator
	clk Clock

	count int64 // approximate live-item count, for diagnostics only
}

// NewHashTable builds an empty table with the default bucket and stripe
// counts, using cas for CAS allocation and clk for dirty-age timestamps.
func NewHashTable(cas *CASAllocator, clk Clock) *HashTable {
	return NewHashTableSized(cas, clk, htSize, htNLocks)
}

// NewHashTableSized builds an empty table with explicit bucket and stripe
// counts. Non-positive counts fall back to the defaults; prime counts keep
// the bucket-to-stripe assignment uniform.
func NewHashTableSized(cas *CASAllocator, clk Clock, buckets, stripes int) *HashTable {
	if buckets <= 0 {
		buckets = htSize
	}
	if stripes <= 0 {
		stripes = htNLocks
	}
	return &HashTable{
		buckets: make([]*StoredValue, buckets),
		locks:   make([]sync.Mutex, stripes),
		cas:     cas,
		clk:     clk,
	}
}

// bucket computes the DJB2 hash of key modulo the bucket count.
func (ht *HashTable) bucket(key string) int {
	var h uint32 = 5381
	for i := 0; i < len(key); i++ {
		h = ((h << 5) + h) ^ uint32(key[i])
	}
	return int(h % uint32(len(ht.buckets)))
}

func (ht *HashTable) stripe(bucketNum int) *sync.Mutex {
	return &ht.locks[bucketNum%len(ht.locks)]
}

// Bucket exposes the bucket index for a key, needed by callers (epstore)
// that must hold the stripe lock across several operations.
func (ht *HashTable) Bucket(key string) int { return ht.bucket(key) }

// Lock returns the stripe mutex guarding bucketNum. Callers use this to
// hold one lock across a read-then-write sequence (get-then-set, flushOne).
func (ht *HashTable) Lock(bucketNum int) *sync.Mutex { return ht.stripe(bucketNum) }

// findLocked looks up key within bucketNum. Caller must already hold
// Lock(bucketNum).
func (ht *HashTable) findLocked(key string, bucketNum int) *StoredValue {
	for cur := ht.buckets[bucketNum]; cur != nil; cur = cur.next {
		if cur.key() == key {
			return cur
		}
	}
	return nil
}

// Find looks up key, taking and releasing the stripe lock itself.
func (ht *HashTable) Find(key string) *StoredValue {
	bn := ht.bucket(key)
	mu := ht.stripe(bn)
	mu.Lock()
	defer mu.Unlock()
	return ht.findLocked(key, bn)
}

// Set inserts or updates key's value. A non-zero proposed CAS that doesn't
// match the stored value is rejected as mutInvalidCAS; a locked value
// (lock not yet expired) is rejected as mutIsLocked, unless the caller
// presents the exact CAS getLocked minted, in which case they are the
// lock-holder and the set proceeds (clearing the lock).
func (ht *HashTable) Set(it *Item, now int64) mutationType {
	bn := ht.bucket(it.Key)
	mu := ht.stripe(bn)
	mu.Lock()
	defer mu.Unlock()

	existing := ht.findLocked(it.Key, bn)
	if existing == nil {
		it.Cas = ht.cas.Next()
		sv := newStoredValue(it, true, now)
		sv.next = ht.buckets[bn]
		ht.buckets[bn] = sv
		ht.count++
		return mutNotFound
	}

	casMatches := it.Cas != 0 && it.Cas == existing.cas()
	if existing.isLocked(now) && !casMatches {
		return mutIsLocked
	}
	if it.Cas != 0 && !casMatches {
		return mutInvalidCAS
	}

	wasDirty := existing.isDirty()
	it.Cas = ht.cas.Next()
	existing.item = it
	existing.markDirty(now)
	existing.unlock()

	if wasDirty {
		return mutWasDirty
	}
	return mutWasClean
}

// Add inserts it only if key is absent, reporting whether the insert
// happened. A fresh CAS is stamped on insert. Used by warmup to load from
// the backing store without going through the dirty-queueing path.
func (ht *HashTable) Add(it *Item, dirty bool, now int64) bool {
	bn := ht.bucket(it.Key)
	mu := ht.stripe(bn)
	mu.Lock()
	defer mu.Unlock()

	if existing := ht.findLocked(it.Key, bn); existing != nil {
		return false
	}
	it.Cas = ht.cas.Next()
	sv := newStoredValue(it, dirty, now)
	sv.next = ht.buckets[bn]
	ht.buckets[bn] = sv
	ht.count++
	return true
}

// Delete removes key, returning whether it existed.
func (ht *HashTable) Delete(key string) bool {
	bn := ht.bucket(key)
	mu := ht.stripe(bn)
	mu.Lock()
	defer mu.Unlock()

	sv := ht.findLocked(key, bn)
	if sv == nil {
		return false
	}
	ht.buckets[bn] = unlinkFrom(ht.buckets[bn], sv)
	ht.count--
	return true
}

// Visit walks every bucket in order, calling fn for each stored value. Each
// bucket's stripe lock is held only while that bucket's chain is visited.
func (ht *HashTable) Visit(fn HashVisitor) {
	for bn := 0; bn < len(ht.buckets); bn++ {
		mu := ht.stripe(bn)
		mu.Lock()
		for cur := ht.buckets[bn]; cur != nil; cur = cur.next {
			fn(cur)
		}
		mu.Unlock()
	}
}

// Clear empties every bucket, one bucket at a time under its stripe. Used by the store's reset
// path; callers are responsible for any queue or counter bookkeeping.
func (ht *HashTable) Clear() {
	for bn := 0; bn < len(ht.buckets); bn++ {
		mu := ht.stripe(bn)
		mu.Lock()
		for cur := ht.buckets[bn]; cur != nil; cur = cur.next {
			ht.count--
		}
		ht.buckets[bn] = nil
		mu.Unlock()
	}
}

// Count returns the approximate number of live items.
func (ht *HashTable) Count() int64 { return ht.count }
