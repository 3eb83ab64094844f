package epengine

import (
	"sync/atomic"
)

// shardQueueCount is the default number of sub-queues a shardedQueue
// stripes across. Producers are spread over the shards via a round-robin
// counter, keeping pushes from contending on one queue.
const shardQueueCount = 16

// shard is one sub-queue behind a swappable pointer.
type shard struct {
	items []string
}

// shardedQueue is a sharded FIFO of keys, used as the producer side of the
// write-behind queue pair.
type shardedQueue struct {
	shards []atomic.Pointer[shard]
	next   atomic.Uint64 // round-robin shard picker
}

func newShardedQueue(numShards int) *shardedQueue {
	if numShards <= 0 {
		numShards = shardQueueCount
	}
	q := &shardedQueue{shards: make([]atomic.Pointer[shard], numShards)}
	for i := range q.shards {
		q.shards[i].Store(&shard{})
	}
	return q
}

// Push appends key to one of the sub-queues, picked round-robin.
func (q *shardedQueue) Push(key string) {
	idx := q.next.Add(1) % uint64(len(q.shards))
	for {
		old := q.shards[idx].Load()
		updated := &shard{items: append(append([]string{}, old.items...), key)}
		if q.shards[idx].CompareAndSwap(old, updated) {
			return
		}
	}
}

// Len returns the total number of queued keys across all shards.
// Approximate under concurrent pushes; used for stats only.
func (q *shardedQueue) Len() int {
	n := 0
	for i := range q.shards {
		n += len(q.shards[i].Load().items)
	}
	return n
}

// Empty reports whether every shard is currently empty.
func (q *shardedQueue) Empty() bool { return q.Len() == 0 }

// GetAll steals every shard's contents into dst, leaving all shards empty.
// Each shard is swapped out with a compare-and-swap rather than a lock.
func (q *shardedQueue) GetAll(dst *keyQueue) {
	for i := range q.shards {
		for {
			old := q.shards[i].Load()
			if len(old.items) == 0 {
				break
			}
			if q.shards[i].CompareAndSwap(old, &shard{}) {
				dst.pushAll(old.items)
				break
			}
		}
	}
}

// keyQueue is a plain single-threaded FIFO, used for the "writing" side
// once GetAll has drained the sharded queue and ownership is exclusive to
// the flusher goroutine.
type keyQueue struct {
	items []string
}

func (k *keyQueue) pushAll(items []string) { k.items = append(k.items, items...) }
func (k *keyQueue) Push(key string)        { k.items = append(k.items, key) }
func (k *keyQueue) Empty() bool            { return len(k.items) == 0 }
func (k *keyQueue) Len() int               { return len(k.items) }

// Pop removes and returns the front key. Caller must check Empty first.
func (k *keyQueue) Pop() string {
	key := k.items[0]
	k.items = k.items[1:]
	return key
}
