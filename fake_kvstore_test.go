package epengine

import (
	"context"
	"sync"
)

// fakeKVStore is an in-memory KVStore test double.
type fakeKVStore struct {
	mu   sync.Mutex
	data map[string]*Item

	failSets    bool
	failDeletes bool
	failCommits int // number of future commits to fail before succeeding
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{data: make(map[string]*Item)}
}

func (f *fakeKVStore) Begin(ctx context.Context) error { return nil }

func (f *fakeKVStore) Set(ctx context.Context, it *Item, cb func(ok bool)) {
	if f.failSets {
		cb(false)
		return
	}
	f.mu.Lock()
	f.data[it.Key] = it.Clone()
	f.mu.Unlock()
	cb(true)
}

func (f *fakeKVStore) Del(ctx context.Context, key string, cb func(ok bool)) {
	if f.failDeletes {
		cb(false)
		return
	}
	f.mu.Lock()
	delete(f.data, key)
	f.mu.Unlock()
	cb(true)
}

func (f *fakeKVStore) Commit(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommits > 0 {
		f.failCommits--
		return false
	}
	return true
}

func (f *fakeKVStore) Dump(ctx context.Context, fn func(*Item)) error {
	f.mu.Lock()
	items := make([]*Item, 0, len(f.data))
	for _, it := range f.data {
		items = append(items, it.Clone())
	}
	f.mu.Unlock()
	for _, it := range items {
		fn(it)
	}
	return nil
}

func (f *fakeKVStore) get(key string) (*Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.data[key]
	return it, ok
}
