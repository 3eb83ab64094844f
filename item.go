package epengine

import (
	"bytes"
	"sync"
)

// trailer is appended to a value's bytes if missing; stored values always
// carry the protocol's "\r\n" terminator.
var trailer = []byte("\r\n")

// Item is a single key/value record: the unit the hash table stores and the
// KVStore persists.
type Item struct {
	Key     string
	Value   []byte
	Flags   uint32
	Exptime int64
	Cas     uint64
}

// NewItem builds an Item, appending the trailer to value if not already
// present.
func NewItem(key string, flags uint32, exptime int64, value []byte, cas uint64) *Item {
	return &Item{
		Key:     key,
		Value:   withTrailer(value),
		Flags:   flags,
		Exptime: exptime,
		Cas:     cas,
	}
}

func withTrailer(v []byte) []byte {
	if bytes.HasSuffix(v, trailer) {
		return v
	}
	out := make([]byte, len(v)+len(trailer))
	copy(out, v)
	copy(out[len(v):], trailer)
	return out
}

// Append concatenates extra onto the item's value: the existing trailer is
// stripped before concatenation and restored once.
func (it *Item) Append(extra []byte) {
	base := bytes.TrimSuffix(it.Value, trailer)
	out := make([]byte, 0, len(base)+len(extra)+len(trailer))
	out = append(out, base...)
	out = append(out, extra...)
	out = append(out, trailer...)
	it.Value = out
}

// Prepend is Append's mirror image.
func (it *Item) Prepend(extra []byte) {
	base := bytes.TrimSuffix(it.Value, trailer)
	out := make([]byte, 0, len(base)+len(extra)+len(trailer))
	out = append(out, extra...)
	out = append(out, base...)
	out = append(out, trailer...)
	it.Value = out
}

// Clone returns an independent copy, used whenever a value crosses a
// stripe-lock boundary (get, flushOne's copy-out, etc).
func (it *Item) Clone() *Item {
	v := make([]byte, len(it.Value))
	copy(v, it.Value)
	return &Item{Key: it.Key, Value: v, Flags: it.Flags, Exptime: it.Exptime, Cas: it.Cas}
}

// CASAllocator hands out monotonically increasing CAS values and invokes an
// optional notifier every frequency allocations, so the owner can persist
// the seed periodically. Injected as a capability rather than held as
// package-level mutable state.
type CASAllocator struct {
	mu        sync.Mutex
	counter   uint64
	notifier  func(uint64)
	frequency uint64
}

// NewCASAllocator builds an allocator. A frequency of 0 disables the
// notifier entirely (treated as "never divides evenly").
func NewCASAllocator(notifier func(uint64), frequency uint64) *CASAllocator {
	return &CASAllocator{notifier: notifier, frequency: frequency}
}

// Next returns the next CAS value, firing the notifier if configured and
// due. Safe for concurrent use.
func (a *CASAllocator) Next() uint64 {
	a.mu.Lock()
	a.counter++
	ret := a.counter
	notifier := a.notifier
	freq := a.frequency
	a.mu.Unlock()

	if notifier != nil && freq > 0 && ret%freq == 0 {
		notifier(ret)
	}
	return ret
}
