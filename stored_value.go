package epengine

// StoredValue wraps an Item with the dirty/clean bookkeeping and lock state
// the hash table needs, plus the collision-chain pointer for its bucket.
type StoredValue struct {
	item *Item

	dirtied int64 // zero means clean
	dataAge int64

	lockExpiry int64 // zero means unlocked

	next *StoredValue
}

func newStoredValue(it *Item, dirty bool, now int64) *StoredValue {
	sv := &StoredValue{item: it}
	if dirty {
		sv.markDirty(now)
	}
	return sv
}

func (sv *StoredValue) isDirty() bool { return sv.dirtied != 0 }
func (sv *StoredValue) isClean() bool { return sv.dirtied == 0 }

// markDirty stamps both the queued-time and the data's own age.
func (sv *StoredValue) markDirty(now int64) {
	sv.dirtied = now
	sv.dataAge = now
}

// reDirty restores a previous queued/dataAge pair, used when a flush attempt
// fails or an admission check rejects the entry back into the queue.
func (sv *StoredValue) reDirty(queued, dataAge int64) {
	sv.dirtied = queued
	sv.dataAge = dataAge
}

// markClean captures and zeroes the dirty bookkeeping, returning the
// captured (queued, dataAge) pair so a failed flush can reinstate it.
func (sv *StoredValue) markClean() (queued, dataAge int64) {
	queued, dataAge = sv.dirtied, sv.dataAge
	sv.dirtied = 0
	sv.dataAge = 0
	return
}

func (sv *StoredValue) isLocked(now int64) bool {
	return sv.lockExpiry != 0 && now < sv.lockExpiry
}

func (sv *StoredValue) lock(until int64) { sv.lockExpiry = until }
func (sv *StoredValue) unlock()          { sv.lockExpiry = 0 }

func (sv *StoredValue) key() string     { return sv.item.Key }
func (sv *StoredValue) cas() uint64     { return sv.item.Cas }
func (sv *StoredValue) setCas(c uint64) { sv.item.Cas = c }

// unlinkFrom removes sv from the singly linked bucket chain rooted at head,
// returning the new head.
func unlinkFrom(head *StoredValue, sv *StoredValue) *StoredValue {
	if head == sv {
		return sv.next
	}
	for cur := head; cur != nil; cur = cur.next {
		if cur.next == sv {
			cur.next = sv.next
			return head
		}
	}
	return head
}
