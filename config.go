package epengine

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Default tunables, overridable per Engine via the With* options.
const (
	DefaultMinDataAge   = 2
	DefaultQueueAgeCap  = 900
	DefaultTxnSize      = 250
	DefaultTapKeepAlive = 300
	DefaultCASFrequency = 8192
	DefaultLockTimeout  = 15
	// DefaultMaxItemSize caps a single value's size at the conventional
	// 1MB memcached limit.
	DefaultMaxItemSize = 1024 * 1024
)

// config accumulates the Engine's tunables before construction, built via
// the Option functional-options pattern.
type config struct {
	minDataAge   int64
	queueAgeCap  int64
	txnSize      int
	tapKeepAlive int64
	lockTimeout  int64

	casNotifier  func(uint64)
	casFrequency uint64

	tapNotifyHook func(name string)

	logger zerolog.Logger
	clock  Clock

	warmupEnabled bool
	waitForWarmup bool

	doPersistence    bool
	verifyOnShutdown bool

	maxItemSize int

	buckets   int
	stripes   int
	numShards int

	store KVStore
}

// Option configures an Engine at construction time.
type Option func(*config)

func defaultConfig() *config {
	c := &config{
		minDataAge:       DefaultMinDataAge,
		queueAgeCap:      DefaultQueueAgeCap,
		txnSize:          DefaultTxnSize,
		tapKeepAlive:     DefaultTapKeepAlive,
		lockTimeout:      DefaultLockTimeout,
		casFrequency:     DefaultCASFrequency,
		maxItemSize:      DefaultMaxItemSize,
		logger:           zerolog.Nop(),
		clock:            RealClock,
		warmupEnabled:    true,
		doPersistence:    os.Getenv("EP_NO_PERSISTENCE") == "",
		verifyOnShutdown: os.Getenv("EP_VERIFY_SHUTDOWN_FLUSH") != "",
	}
	return c
}

// WithMinDataAge sets the minimum age (seconds) a dirty item must reach
// before it is eligible to flush.
func WithMinDataAge(seconds int64) Option {
	return func(c *config) { c.minDataAge = seconds }
}

// WithQueueAgeCap sets the age (seconds) past which a dirty item is
// force-flushed regardless of min data age.
func WithQueueAgeCap(seconds int64) Option {
	return func(c *config) { c.queueAgeCap = seconds }
}

// WithTxnSize sets how many keys flushSome commits per transaction.
func WithTxnSize(n int) Option {
	return func(c *config) { c.txnSize = n }
}

// WithTapKeepAlive sets how long a disconnected tap subscriber's queue is
// kept around awaiting reconnection.
func WithTapKeepAlive(d time.Duration) Option {
	return func(c *config) { c.tapKeepAlive = int64(d.Seconds()) }
}

// WithLockTimeout sets the default getl lock duration in seconds.
func WithLockTimeout(seconds int64) Option {
	return func(c *config) { c.lockTimeout = seconds }
}

// WithLogger attaches a zerolog.Logger; every subsystem logs through it.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clk Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithCASNotifier installs a hook invoked every frequency CAS allocations.
// A nil notifier is equivalent to omitting the option entirely.
func WithCASNotifier(notifier func(uint64), frequency uint64) Option {
	return func(c *config) {
		c.casNotifier = notifier
		c.casFrequency = frequency
	}
}

// WithTapNotifier installs the external notify_io_complete hook: called
// from the tap notifier goroutine, once per subscriber name, whenever a
// paused subscriber's queue gains work. The host protocol front-end uses
// this to wake the connection it parked waiting on walkTapQueue.
func WithTapNotifier(fn func(name string)) Option {
	return func(c *config) { c.tapNotifyHook = fn }
}

// WithWarmup controls whether the engine loads the backing store's contents
// at startup. When disabled, the in-memory state is reset instead, so the
// engine starts empty regardless of what the backing store holds.
func WithWarmup(enabled bool) Option {
	return func(c *config) { c.warmupEnabled = enabled }
}

// WithWaitForWarmup makes New block until the flusher has left its
// initializing state before returning.
func WithWaitForWarmup(wait bool) Option {
	return func(c *config) { c.waitForWarmup = wait }
}

// WithKVStore supplies the backing store. Required unless persistence is
// disabled via EP_NO_PERSISTENCE.
func WithKVStore(store KVStore) Option {
	return func(c *config) { c.store = store }
}

// WithVerifyOnShutdown overrides the EP_VERIFY_SHUTDOWN_FLUSH env var,
// letting tests exercise the shutdown dirty-check without touching process
// environment.
func WithVerifyOnShutdown(verify bool) Option {
	return func(c *config) { c.verifyOnShutdown = verify }
}

// WithPersistence overrides the EP_NO_PERSISTENCE env var.
func WithPersistence(enabled bool) Option {
	return func(c *config) { c.doPersistence = enabled }
}

// WithMaxItemSize caps the value size (post-append/prepend) a single item
// may reach before Set/Add/Replace/Append/Prepend report ErrOutOfMemory.
func WithMaxItemSize(bytes int) Option {
	return func(c *config) { c.maxItemSize = bytes }
}

// WithBuckets overrides the hash table's bucket count. Prime counts keep
// the key distribution uniform; non-positive values use the default.
func WithBuckets(n int) Option {
	return func(c *config) { c.buckets = n }
}

// WithStripes overrides how many stripe locks guard the hash table's
// buckets; non-positive values use the default.
func WithStripes(n int) Option {
	return func(c *config) { c.stripes = n }
}

// WithNumShards overrides how many sub-queues the write-behind queue
// stripes producers across; non-positive values use the default.
func WithNumShards(n int) Option {
	return func(c *config) { c.numShards = n }
}
