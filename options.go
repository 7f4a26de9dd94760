package scopedb

import (
	"time"

	"go.uber.org/zap"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

const (
	driverMongo  = "mongo"
	driverMemory = "memory"
)

type clientConfig struct {
	driver   string // "mongo" or "memory"
	uri      string
	database string

	claimAddrs    []string
	claimPassword string

	stampField    string
	autoIndex     bool
	threshold     int
	maxPatterns   int
	callTimeout   time.Duration
	buildTimeout  time.Duration
	buildPoll     time.Duration
	buildParallel int

	readinessTimeout time.Duration
	registerMetrics  bool
	logger           *zap.Logger
}

// WithMongo connects to a MongoDB deployment and uses the named database.
func WithMongo(uri, database string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverMongo
		c.uri = uri
		c.database = database
	})
}

// WithMemory uses the in-process document database. Data lives as long as the Client.
func WithMemory() Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverMemory
	})
}

// WithValkeyClaims shares auto-index schedule claims through Valkey so several
// processes on one database do not request the same index twice.
func WithValkeyClaims(password string, addrs ...string) Option {
	return optionFunc(func(c *clientConfig) {
		c.claimAddrs = addrs
		c.claimPassword = password
	})
}

// WithStampField sets the field that carries the owning scope. Defaults to tenant_id.
func WithStampField(field string) Option {
	return optionFunc(func(c *clientConfig) {
		c.stampField = field
	})
}

// WithAutoIndex sets how often a read shape is seen before an index is requested for it.
func WithAutoIndex(threshold int) Option {
	return optionFunc(func(c *clientConfig) {
		c.autoIndex = true
		c.threshold = threshold
	})
}

// WithoutAutoIndex disables index requests from observed reads.
func WithoutAutoIndex() Option {
	return optionFunc(func(c *clientConfig) {
		c.autoIndex = false
	})
}

// WithMaxPatterns bounds the number of read shapes remembered at once.
func WithMaxPatterns(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxPatterns = n
	})
}

// WithCallTimeout bounds every single database call.
func WithCallTimeout(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.callTimeout = d
	})
}

// WithBuildTimeout bounds how long a managed search or vector build may take.
func WithBuildTimeout(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.buildTimeout = d
	})
}

// WithBuildPollInterval sets the delay between managed build status checks.
func WithBuildPollInterval(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.buildPoll = d
	})
}

// WithBuildConcurrency bounds index builds issued or polled at once.
func WithBuildConcurrency(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.buildParallel = n
	})
}

// WithReadinessTimeout bounds the wait for the database at Open.
func WithReadinessTimeout(d time.Duration) Option {
	return optionFunc(func(c *clientConfig) {
		c.readinessTimeout = d
	})
}

// WithMetrics registers the engine's Prometheus metrics on the default registry.
func WithMetrics() Option {
	return optionFunc(func(c *clientConfig) {
		c.registerMetrics = true
	})
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}
