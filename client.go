// Package scopedb gives each tenant a scoped view of one shared document database:
// reads only see the tenant's readable scopes, writes are stamped with its write
// scope, collections and indexes get per-tenant names, and frequently seen read
// shapes get indexes automatically.
package scopedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/claim"
	claimValkey "github.com/kailas-cloud/scopedb/internal/claim/valkey"
	"github.com/kailas-cloud/scopedb/internal/db"
	dbMemory "github.com/kailas-cloud/scopedb/internal/db/memory"
	dbMongo "github.com/kailas-cloud/scopedb/internal/db/mongodb"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/metrics"
	"github.com/kailas-cloud/scopedb/internal/pattern"
	"github.com/kailas-cloud/scopedb/internal/proxy"
)

const defaultReadinessTimeout = 10 * time.Second

// Client is the scopedb entry point. Create one per process and share it.
type Client struct {
	database db.Database
	claims   *claimValkey.Store
	engine   *proxy.Engine
}

// Open connects to the configured database and starts the engine.
func Open(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		autoIndex:        true,
		readinessTimeout: defaultReadinessTimeout,
		logger:           zap.NewNop(),
	}
	for _, o := range opts {
		o.apply(cfg)
	}
	if cfg.driver == "" {
		return nil, errors.New("scopedb: database required (use WithMongo or WithMemory)")
	}
	if cfg.stampField == "" {
		cfg.stampField = "tenant_id"
	}

	database, err := createDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.WaitForReady(ctx, cfg.readinessTimeout); err != nil {
		_ = database.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("scopedb: database not ready: %w", err)
	}

	c := &Client{database: database}
	var claims claim.Claimer
	if len(cfg.claimAddrs) > 0 {
		c.claims, err = claimValkey.NewStore(claimValkey.Config{Addrs: cfg.claimAddrs, Password: cfg.claimPassword})
		if err != nil {
			_ = database.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("scopedb: create claim store: %w", err)
		}
		claims = c.claims
	}

	if cfg.registerMetrics {
		metrics.RegisterEngineMetrics()
	}

	c.engine, err = proxy.NewEngine(database, proxy.Config{
		StampField:  cfg.stampField,
		CallTimeout: cfg.callTimeout,
		AutoIndex:   cfg.autoIndex,
		Patterns: pattern.Config{
			Threshold:   cfg.threshold,
			MaxPatterns: cfg.maxPatterns,
		},
		Builds: indexbuild.Config{
			Concurrency:  cfg.buildParallel,
			PollInterval: cfg.buildPoll,
			Timeout:      cfg.buildTimeout,
			CallTimeout:  cfg.callTimeout,
			MaxRetries:   indexbuild.DefaultMaxRetries,
		},
	}, claims, cfg.logger)
	if err != nil {
		c.closeStores(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("scopedb: %w", err)
	}
	return c, nil
}

func createDatabase(ctx context.Context, cfg *clientConfig) (db.Database, error) {
	switch cfg.driver {
	case driverMongo:
		s, err := dbMongo.NewStore(ctx, dbMongo.Config{URI: cfg.uri, Database: cfg.database, AppName: "scopedb"})
		if err != nil {
			return nil, fmt.Errorf("scopedb: create mongo store: %w", err)
		}
		return s, nil
	case driverMemory:
		return dbMemory.New(dbMemory.Options{}), nil
	default:
		return nil, fmt.Errorf("scopedb: unknown driver %q", cfg.driver)
	}
}

// ForScope returns a database handle bound to s. Handles are cheap; create one per
// request or worker.
func (c *Client) ForScope(s Scope) (*Database, error) {
	d, err := c.engine.ForScope(s)
	if err != nil {
		return nil, fmt.Errorf("scopedb: %w", err)
	}
	return d, nil
}

// Builds returns a snapshot of every index build task this process knows about.
func (c *Client) Builds() []BuildInfo {
	return c.engine.Builds().Tasks()
}

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.engine.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close stops the engine, which marks in-flight builds as canceled, and disconnects.
func (c *Client) Close(ctx context.Context) error {
	err := c.engine.Close(ctx)
	c.closeStores(ctx)
	return err
}

func (c *Client) closeStores(ctx context.Context) {
	if c.claims != nil {
		c.claims.Close()
	}
	_ = c.database.Close(ctx)
}
