// Package proxy exposes tenant-scoped database and collection handles that enforce
// read filtering, write stamping and per-tenant naming on every call, and provision
// declared and observed indexes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/claim"
	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain"
	"github.com/kailas-cloud/scopedb/internal/domain/scope"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/pattern"
	"github.com/kailas-cloud/scopedb/internal/scopefilter"
)

// DefaultCallTimeout bounds ordinary reads and writes.
const DefaultCallTimeout = 30 * time.Second

// autoIndexTimeout bounds the background work of one automatic index request.
const autoIndexTimeout = time.Minute

// Config assembles the engine.
type Config struct {
	// StampField is the document field holding the owning scope.
	StampField string
	// CallTimeout bounds every ordinary read and write.
	CallTimeout time.Duration
	// AutoIndex enables index requests from observed query shapes.
	AutoIndex bool
	Patterns  pattern.Config
	Builds    indexbuild.Config
}

// Engine is the process-wide registry shared by every scoped proxy: the driver handle,
// the pattern tracker and the index build coordinator. It is created once at startup
// and closed at shutdown.
type Engine struct {
	db      db.Database
	cfg     Config
	filter  *scopefilter.Engine
	tracker *pattern.Tracker
	builds  *indexbuild.Coordinator
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewEngine wires the engine. claims may be nil for a single-process deployment.
func NewEngine(database db.Database, cfg Config, claims claim.Claimer, logger *zap.Logger) (*Engine, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	filter, err := scopefilter.New(cfg.StampField)
	if err != nil {
		return nil, fmt.Errorf("scope filter: %w", err)
	}

	var tracker *pattern.Tracker
	if cfg.AutoIndex {
		tracker, err = pattern.NewTracker(cfg.Patterns, claims, logger.Named("patterns"))
		if err != nil {
			return nil, fmt.Errorf("pattern tracker: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		db:      database,
		cfg:     cfg,
		filter:  filter,
		tracker: tracker,
		builds:  indexbuild.New(database, cfg.Builds, logger.Named("builds")),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ForScope returns a fresh database proxy bound to s. Create one per request or per
// worker process; its collection cache lives as long as it does.
func (e *Engine) ForScope(s scope.Scope) (*DatabaseProxy, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("%w: scope is not initialized", domain.ErrInvalidScope)
	}
	return newDatabaseProxy(e, s), nil
}

// Builds exposes the index build coordinator for status queries.
func (e *Engine) Builds() *indexbuild.Coordinator { return e.builds }

// Tracker exposes the pattern tracker; nil when automatic indexing is off.
func (e *Engine) Tracker() *pattern.Tracker { return e.tracker }

// StampField returns the field stamped on every written document.
func (e *Engine) StampField() string { return e.filter.StampField() }

// Ping checks the underlying database.
func (e *Engine) Ping(ctx context.Context) error { return e.db.Ping(ctx) }

// Close stops automatic index scheduling, cancels in-flight builds and waits for
// background work to stop. The database handle is left open.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("waiting for auto index requests: %w", ctx.Err())
	}
	return e.builds.Close(ctx)
}

// background runs fn on the engine's lifetime context.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, autoIndexTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}
