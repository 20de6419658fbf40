package workflow

import (
	"log/slog"
	"time"

	"github.com/michaelayoade/dotmac-platform-services-sub023/lock"
	"github.com/michaelayoade/dotmac-platform-services-sub023/notify"
)

var (
	// DefaultStepTimeout bounds a step attempt when neither the step
	// nor its target system class sets one.
	DefaultStepTimeout = 10 * time.Second

	// DefaultCompensationRetries is the per-step attempt budget during
	// rollback. Compensation gets a smaller, flatter budget than the
	// forward path.
	DefaultCompensationRetries uint64 = 2

	// DefaultCompensationDelay is the fixed delay between compensation
	// attempts.
	DefaultCompensationDelay = 2 * time.Second

	// DefaultLockTTL is how long a runner's claim on a workflow lives
	// before an expired-lease takeover is possible.
	DefaultLockTTL = lock.DefaultTTL
)

// config orchestrator configuration
type config struct {
	store               Store
	locker              lock.Locker
	lockTTL             time.Duration
	notifier            notify.Notifier
	logger              *slog.Logger
	metrics             *Metrics
	tracingEnabled      bool
	recoveryEnabled     bool
	defaultTimeout      time.Duration
	compensationRetries uint64
	compensationDelay   time.Duration
	idGen               func() string
}

func defaultConfig() *config {
	return &config{
		store:               NewMemoryStore(),
		locker:              lock.NewMemory(),
		lockTTL:             DefaultLockTTL,
		logger:              slog.Default(),
		tracingEnabled:      true,
		recoveryEnabled:     true,
		defaultTimeout:      DefaultStepTimeout,
		compensationRetries: DefaultCompensationRetries,
		compensationDelay:   DefaultCompensationDelay,
		idGen:               newID,
	}
}

// Option orchestrator options
type Option func(*config)

// WithStore sets the persistence backend. Defaults to the in-memory
// store.
func WithStore(s Store) Option {
	return func(c *config) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLocker sets the per-workflow execution lock. Defaults to the
// in-process mutex map; use the Redis or Postgres locker when several
// orchestrator processes share one store.
func WithLocker(l lock.Locker) Option {
	return func(c *config) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithLockTTL sets the execution lock lease.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithNotifier sets the lifecycle event sink (log, channel, NATS,
// Kafka, or a Multi of several). Defaults to none.
func WithNotifier(n notify.Notifier) Option {
	return func(c *config) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the OpenTelemetry recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTracing enable/disable span creation around workflow and step
// execution.
func WithTracing(v bool) Option {
	return func(c *config) {
		c.tracingEnabled = v
	}
}

// WithRecovery enable/disable panic recovery around step handlers.
// Recovery should always be enabled, can be disabled for testing.
func WithRecovery(v bool) Option {
	return func(c *config) {
		c.recoveryEnabled = v
	}
}

// WithDefaultStepTimeout sets the fallback per-attempt timeout for
// steps whose target system has no class default.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithCompensationBudget sets the per-step attempt count and fixed
// delay used during rollback.
func WithCompensationBudget(retries uint64, delay time.Duration) Option {
	return func(c *config) {
		c.compensationRetries = retries
		if delay > 0 {
			c.compensationDelay = delay
		}
	}
}

// WithIDGenerator sets the workflow and step ID source. Tests use this
// for deterministic IDs.
func WithIDGenerator(gen func() string) Option {
	return func(c *config) {
		if gen != nil {
			c.idGen = gen
		}
	}
}
