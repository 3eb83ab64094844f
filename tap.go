package epengine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TapEventType is the result of walking a subscriber's queue one step.
type TapEventType int

const (
	TapMutation TapEventType = iota
	TapDeletion
	TapFlush
	TapPause
	TapDisconnect
)

// Tap creation flags.
const (
	TapFlagBackfill uint32 = 1 << iota
	TapFlagDump
)

func (t TapEventType) String() string {
	switch t {
	case TapMutation:
		return "MUTATION"
	case TapDeletion:
		return "DELETION"
	case TapFlush:
		return "FLUSH"
	case TapPause:
		return "PAUSE"
	case TapDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// TapConnection is one subscriber's dedup FIFO key queue plus reconnect
// bookkeeping. All fields are guarded by the owning TapManager's tap-sync
// lock, not a private mutex, so the subscriber list and every connection's
// queue are always observed under one consistent lock order.
type TapConnection struct {
	Name string

	keys    []string
	pending map[string]bool // dedup membership set, mirrors the ordered-queue-plus-set shape

	flags       uint32
	backfillAge int64

	connected    bool
	paused       bool
	expiryTime   int64 // nonzero while disconnected, awaiting reaping
	fetched      uint64
	reconnects   int
	pendingFlush bool
}

func newTapConnection(name string, flags uint32, backfillAge int64) *TapConnection {
	return &TapConnection{
		Name:        name,
		pending:     make(map[string]bool),
		flags:       flags,
		backfillAge: backfillAge,
		connected:   true,
	}
}

func (c *TapConnection) isDump() bool { return c.flags&TapFlagDump != 0 }

// enqueue appends key if it isn't already pending, preserving FIFO order of
// first arrival. Caller must hold the manager's tap-sync lock.
func (c *TapConnection) enqueue(key string) {
	if c.pending[key] {
		return
	}
	c.pending[key] = true
	c.keys = append(c.keys, key)
}

// pop removes and returns the head key. Caller must hold the lock and have
// checked len(c.keys) > 0.
func (c *TapConnection) pop() string {
	key := c.keys[0]
	c.keys = c.keys[1:]
	delete(c.pending, key)
	return key
}

func (c *TapConnection) queueLen() int { return len(c.keys) }

// TapManager owns every active and recently-disconnected TapConnection,
// and runs the notifier goroutine that wakes paused subscribers.
type TapManager struct {
	sync *SyncObject // the tap-sync: guards conns plus every connection's fields
	tap  map[string]*TapConnection

	keepAlive int64
	clk       Clock
	log       zerolog.Logger

	ht     *HashTable
	get    func(key string) GetValue
	notify func(name string) // external notify_io_complete hook; nil-checked before use

	wakeQueue []string // names whose paused state was just cleared, awaiting a notify_io_complete call

	shutdown bool
}

// NewTapManager builds a TapManager. keepAlive is how long (seconds) a
// disconnected subscriber's queue survives awaiting reconnection. ht is
// walked for backfill; get resolves a key to its current Item at walk time,
// so delivery is last-writer-wins between enqueue and walk rather than a
// snapshot taken at enqueue time.
func NewTapManager(keepAlive int64, clk Clock, log zerolog.Logger, ht *HashTable, get func(string) GetValue) *TapManager {
	return &TapManager{
		sync:      NewSyncObject(),
		tap:       make(map[string]*TapConnection),
		keepAlive: keepAlive,
		clk:       clk,
		log:       log.With().Str("component", "tap").Logger(),
		ht:        ht,
		get:       get,
	}
}

// SetNotifyHook installs the external wake callback invoked by the notifier
// goroutine for each subscriber whose queue transitioned from empty to
// non-empty while paused. A nil hook (the default) is a no-op.
func (m *TapManager) SetNotifyHook(fn func(name string)) {
	m.sync.Lock()
	m.notify = fn
	m.sync.Unlock()
}

func (m *TapManager) now() int64 { return relTimeFromClock(m.clk) }

// CreateTapQueue registers (or reconnects) a subscriber. Expired
// connections are purged first; an existing name within its keep-alive is
// re-bound, while a zero keep-alive forces a fresh connection. If flags
// requests TapFlagBackfill and backfillAge is not in the future, the full
// key set is walked into the queue immediately.
func (m *TapManager) CreateTapQueue(name string, flags uint32, backfillAge int64) *TapConnection {
	if name == "" {
		name = uuid.NewString()
	}

	m.sync.Lock()
	m.purgeExpiredLocked()

	conn, existed := m.tap[name]
	if existed && m.keepAlive == 0 {
		// Disconnects aren't immediate; with no keep-alive a repeat connect
		// for the same name force-closes the old connection instead of
		// reusing its queue.
		delete(m.tap, name)
		existed = false
	}
	if existed {
		// Re-bind by name whether or not the old connection ever
		// disconnected, adopting the caller's new flags and backfill age.
		conn.expiryTime = 0
		conn.connected = true
		conn.reconnects++
		conn.flags = flags
		conn.backfillAge = backfillAge
	} else {
		conn = newTapConnection(name, flags, backfillAge)
		m.tap[name] = conn
	}
	m.sync.Unlock()

	if flags&TapFlagBackfill != 0 && backfillAge <= m.now() {
		m.backfill(conn)
	}
	return conn
}

// backfill walks every live key into conn's queue, seeding a freshly
// (re)connected subscriber with the current key set.
func (m *TapManager) backfill(conn *TapConnection) {
	if m.ht == nil {
		return
	}
	var keys []string
	m.ht.Visit(func(sv *StoredValue) { keys = append(keys, sv.key()) })

	m.sync.Lock()
	for _, k := range keys {
		conn.enqueue(k)
	}
	if conn.paused && len(conn.keys) > 0 {
		conn.paused = false
		m.wakeQueue = append(m.wakeQueue, conn.Name)
		m.sync.Notify()
	}
	m.sync.Unlock()
}

// WalkTapQueue pulls the next event for name: a found key resolves to
// MUTATION with its current Item; a no-longer-present key resolves to
// DELETION with a key-only stub. An empty queue checks the pending-flush
// signal, then the dump-and-disconnect flag, before settling into PAUSE.
func (m *TapManager) WalkTapQueue(name string) (TapEventType, *Item, bool) {
	m.sync.Lock()
	conn, ok := m.tap[name]
	if !ok {
		m.sync.Unlock()
		return TapDisconnect, nil, false
	}

	if len(conn.keys) > 0 {
		key := conn.pop()
		conn.fetched++
		m.sync.Unlock()

		gv := m.get(key)
		if gv.Found {
			return TapMutation, gv.Item, true
		}
		return TapDeletion, &Item{Key: key}, true
	}

	if conn.pendingFlush {
		conn.pendingFlush = false
		m.sync.Unlock()
		return TapFlush, nil, true
	}

	if conn.isDump() {
		m.sync.Unlock()
		return TapDisconnect, nil, true
	}

	conn.paused = true
	m.sync.Unlock()
	return TapPause, nil, true
}

// HandleDisconnect marks name's connection as disconnected; it is kept
// around for keepAlive seconds awaiting reconnection, then purged.
func (m *TapManager) HandleDisconnect(name string) {
	m.sync.Lock()
	defer m.sync.Unlock()
	if c, ok := m.tap[name]; ok {
		c.connected = false
		c.expiryTime = m.now() + m.keepAlive
	}
	m.purgeExpiredLocked()
}

func relTimeFromClock(clk Clock) int64 { return relTime(clk, time.Unix(0, 0)) }

// purgeExpiredLocked removes every disconnected connection whose
// expiryTime has passed. Caller must hold m.sync.
func (m *TapManager) purgeExpiredLocked() {
	now := m.now()
	for name, c := range m.tap {
		if !c.connected && c.expiryTime != 0 && now >= c.expiryTime {
			delete(m.tap, name)
		}
	}
}

// AddEvent appends key to every connected, non-dump subscriber's queue
// (deduplicating against that subscriber's own pending set), then wakes
// the notifier for any subscriber whose queue went from empty to non-empty
// while paused.
func (m *TapManager) AddEvent(key string) {
	m.sync.Lock()
	defer m.sync.Unlock()

	woke := false
	for _, c := range m.tap {
		if !c.connected || c.isDump() {
			continue
		}
		before := len(c.keys)
		c.enqueue(key)
		if before == 0 && len(c.keys) > 0 && c.paused {
			c.paused = false
			m.wakeQueue = append(m.wakeQueue, c.Name)
			woke = true
		}
	}
	if woke {
		m.sync.Notify()
	}
}

// BroadcastFlush sets the pending-flush signal on every connected
// subscriber, the tap side-effect of a flush-all.
func (m *TapManager) BroadcastFlush() {
	m.sync.Lock()
	defer m.sync.Unlock()
	woke := false
	for _, c := range m.tap {
		if !c.connected {
			continue
		}
		c.pendingFlush = true
		if c.paused {
			c.paused = false
			m.wakeQueue = append(m.wakeQueue, c.Name)
			woke = true
		}
	}
	if woke {
		m.sync.Notify()
	}
}

// Stats returns the per-connection and aggregate tap counters: <name>:qlen,
// <name>:rec_fetched, <name>:reconnects, <name>:backfill_age plus the
// ep_tap_total_queue/ep_tap_total_fetched/ep_tap_keepalive aggregates.
func (m *TapManager) Stats() map[string]uint64 {
	m.sync.Lock()
	defer m.sync.Unlock()

	out := make(map[string]uint64, len(m.tap)*3+3)
	var totalQueue, totalFetched uint64
	for name, c := range m.tap {
		n := uint64(c.queueLen())
		out[name+":qlen"] = n
		out[name+":rec_fetched"] = c.fetched
		out[name+":reconnects"] = uint64(c.reconnects)
		out[name+":backfill_age"] = uint64(c.backfillAge)
		totalQueue += n
		totalFetched += c.fetched
	}
	out["ep_tap_total_queue"] = totalQueue
	out["ep_tap_total_fetched"] = totalFetched
	out["ep_tap_keepalive"] = uint64(m.keepAlive)
	return out
}

// Run launches the notifier goroutine: it waits on the tap-sync condition
// for any paused subscriber with pending work, then invokes the external
// wake hook once per woken subscriber.
func (m *TapManager) Run(g *errgroup.Group) {
	g.Go(func() error {
		m.sync.Lock()
		defer m.sync.Unlock()
		for {
			if m.shutdown {
				return nil
			}

			for len(m.wakeQueue) == 0 && !m.shutdown {
				m.sync.Wait()
			}
			if m.shutdown {
				return nil
			}

			ready := m.wakeQueue
			m.wakeQueue = nil

			hook := m.notify
			m.sync.Unlock()
			if hook != nil {
				for _, name := range ready {
					hook(name)
				}
			}
			m.sync.Lock()
		}
	})
}

// Stop signals Run's goroutine to exit.
func (m *TapManager) Stop() {
	m.sync.Lock()
	m.shutdown = true
	m.sync.Notify()
	m.sync.Unlock()
}
