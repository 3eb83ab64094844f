package epengine

import "context"

// KVStore is the backing-store boundary: everything the flusher needs from
// a durable layer, and nothing more. The reference implementation is
// sqlitekv.Store; tests typically use an in-memory fake.
type KVStore interface {
	// Begin starts a transaction. Implementations that don't need explicit
	// transactions may no-op.
	Begin(ctx context.Context) error
	// Set persists it, invoking cb with the outcome. cb may be called
	// synchronously or asynchronously, but must be called exactly once.
	Set(ctx context.Context, it *Item, cb func(ok bool))
	// Del removes key, invoking cb with the outcome.
	Del(ctx context.Context, key string, cb func(ok bool))
	// Commit finalizes the current transaction, returning whether it
	// succeeded. A false return triggers the flusher's commit-retry loop.
	Commit(ctx context.Context) bool
	// Dump streams every stored item to fn, for warmup.
	Dump(ctx context.Context, fn func(*Item)) error
}

// GetValue is the result of a Get/GetLocked lookup.
type GetValue struct {
	Found bool
	Item  *Item
}

// KeyStats is the result of GetKeyStats: one entry's persistence metadata.
type KeyStats struct {
	Dirty   bool
	Exptime int64
	Flags   uint32
	Cas     uint64
	Dirtied int64
	DataAge int64
}
