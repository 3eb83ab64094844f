package epengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the top-level handle: hash table, dispatcher, flusher, tap
// manager, and the store that ties them together.
type Engine struct {
	ht         *HashTable
	store      *Store
	dispatcher *Dispatcher
	flusher    *Flusher
	tap        *TapManager
	stats      *EPStats
	cas        *CASAllocator
	log        zerolog.Logger

	cfg *config

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds and starts an Engine. If persistence is enabled (the default,
// unless EP_NO_PERSISTENCE is set) a KVStore must be supplied via
// WithKVStore.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.doPersistence && cfg.store == nil {
		return nil, fmt.Errorf("epengine: persistence enabled but no KVStore supplied")
	}

	stats := &EPStats{
		MinDataAge:  cfg.minDataAge,
		QueueAgeCap: cfg.queueAgeCap,
	}
	cas := NewCASAllocator(cfg.casNotifier, cfg.casFrequency)
	ht := NewHashTableSized(cas, cfg.clock, cfg.buckets, cfg.stripes)

	var underlying KVStore = cfg.store
	if underlying == nil {
		underlying = noopKVStore{}
	}
	store := newStore(ht, stats, cfg.clock, cfg.logger, underlying, cfg.doPersistence, cfg.lockTimeout, cfg.txnSize, cfg.maxItemSize, cfg.numShards)

	dispatcher := NewDispatcher(cfg.clock, cfg.logger)
	tap := NewTapManager(cfg.tapKeepAlive, cfg.clock, cfg.logger, ht, store.Get)
	tap.SetNotifyHook(cfg.tapNotifyHook)
	store.SetTapNotify(tap.AddEvent)

	e := &Engine{
		ht:         ht,
		store:      store,
		dispatcher: dispatcher,
		tap:        tap,
		stats:      stats,
		cas:        cas,
		log:        cfg.logger.With().Str("component", "engine").Logger(),
		cfg:        cfg,
	}

	e.flusher = NewFlusher(store, dispatcher, cfg.clock, cfg.logger, e.warmup)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, _ := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error {
		dispatcher.Run()
		return nil
	})
	tap.Run(g)
	e.flusher.Start()

	if cfg.waitForWarmup {
		e.waitForRunning()
	}

	return e, nil
}

func (e *Engine) waitForRunning() {
	for e.flusher.State() == flusherInitializing {
		time.Sleep(time.Millisecond)
	}
}

// warmup streams every item out of the backing store into the hash table
// as clean entries. With warmup disabled, the store is reset instead and
// the engine starts empty.
func (e *Engine) warmup(ctx context.Context) error {
	if !e.cfg.warmupEnabled {
		e.store.Reset()
		return nil
	}
	if e.cfg.store == nil {
		return nil
	}
	now := relTime(e.cfg.clock, time.Unix(0, 0))
	var n uint64
	err := e.cfg.store.Dump(ctx, func(it *Item) {
		if e.ht.Add(it, false, now) {
			n++
		}
	})
	atomic.StoreUint64(&e.stats.WarmedUp, n)
	return err
}

// Set, Get, GetLocked, GetKeyStats, Del, and ResetStats forward directly to
// Store; FlushAll also broadcasts a tap FLUSH once the store has been
// cleared. StopPersistence/StartPersistence drive the flusher;
// SetFlushParam updates a store tunable at runtime.

func (e *Engine) Set(it *Item) (mutationType, error) { return e.store.Set(it) }
func (e *Engine) Add(it *Item) error                 { return e.store.Add(it) }
func (e *Engine) Replace(it *Item) error             { return e.store.Replace(it) }
func (e *Engine) Get(key string) GetValue            { return e.store.Get(key) }
func (e *Engine) GetLocked(key string, lockTimeout int64) (GetValue, bool) {
	return e.store.GetLocked(key, lockTimeout)
}
func (e *Engine) GetKeyStats(key string) (KeyStats, bool) { return e.store.GetKeyStats(key) }
func (e *Engine) Del(key string) bool                     { return e.store.Del(key) }
func (e *Engine) Append(key string, extra []byte) (*Item, error) {
	return e.store.Append(key, extra)
}
func (e *Engine) Prepend(key string, extra []byte) (*Item, error) {
	return e.store.Prepend(key, extra)
}
func (e *Engine) FlushAll(delay time.Duration) error {
	if err := e.store.FlushAll(delay); err != nil {
		return err
	}
	e.tap.BroadcastFlush()
	return nil
}
func (e *Engine) ResetStats() { e.store.ResetStats() }

// StopPersistence pauses the flusher, leaving dirty entries queued.
func (e *Engine) StopPersistence() bool { return e.flusher.Pause() }

// StartPersistence resumes a paused flusher.
func (e *Engine) StartPersistence() bool { return e.flusher.Resume() }

// SetFlushParam updates a named flush tunable at runtime.
func (e *Engine) SetFlushParam(name string, value int) error {
	switch name {
	case "min_data_age":
		e.store.SetMinDataAge(int64(value))
	case "queue_age_cap":
		e.store.SetQueueAgeCap(int64(value))
	case "max_txn_size":
		e.store.SetTxnSize(value)
	default:
		return fmt.Errorf("epengine: unknown flush param %q", name)
	}
	return nil
}

// TapSubscribe registers (or reconnects) a tap subscriber, backfilling it
// immediately if flags requests TapFlagBackfill and backfillAge has already
// passed.
func (e *Engine) TapSubscribe(name string, flags uint32, backfillAge int64) *TapConnection {
	return e.tap.CreateTapQueue(name, flags, backfillAge)
}

// TapWalk pulls the next event for a subscriber. See TapManager.WalkTapQueue.
func (e *Engine) TapWalk(name string) (TapEventType, *Item, bool) {
	return e.tap.WalkTapQueue(name)
}

// TapUnsubscribe marks name as disconnected, starting its keep-alive timer.
func (e *Engine) TapUnsubscribe(name string) { e.tap.HandleDisconnect(name) }

// TapStats returns the raw per-connection/aggregate tap counters.
func (e *Engine) TapStats() map[string]uint64 { return e.tap.Stats() }

// Stats returns the engine's counter block. Callers should treat it as
// read-only.
func (e *Engine) Stats() *EPStats { return e.stats }

// Stop drains and stops the flusher, stops the dispatcher and tap
// notifier, and, if EP_VERIFY_SHUTDOWN_FLUSH was set, asserts no dirty
// entries remain.
func (e *Engine) Stop() error {
	e.flusher.Stop()
	e.dispatcher.Stop()
	e.tap.Stop()
	e.cancel()
	_ = e.group.Wait()

	if e.cfg.verifyOnShutdown {
		dirty := e.store.DirtyKeys()
		if len(dirty) > 0 {
			for _, k := range dirty {
				e.log.Error().Str("key", k).Msg("object dirty after flushing")
			}
			return ErrDirtyOnShutdown
		}
	}
	return nil
}

// noopKVStore is used when persistence is disabled, so Store always has a
// non-nil underlying to call into (which it never actually reaches, since
// queueDirty no-ops whenever doPersist is false).
type noopKVStore struct{}

func (noopKVStore) Begin(context.Context) error             { return nil }
func (noopKVStore) Set(context.Context, *Item, func(bool))  {}
func (noopKVStore) Del(context.Context, string, func(bool)) {}
func (noopKVStore) Commit(context.Context) bool             { return true }
func (noopKVStore) Dump(context.Context, func(*Item)) error { return nil }
