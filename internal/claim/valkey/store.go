// Package valkey implements claim.Claimer on Valkey/Redis so several worker
// processes sharing one database agree on who schedules an index build.
package valkey

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/scopedb/internal/claim"
)

// Compile-time check: Store implements claim.Claimer.
var _ claim.Claimer = (*Store)(nil)

const defaultKeyPrefix = "scopedb:claim:"

// Config holds connection parameters for the claim store.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store keeps claims as SET NX EX keys.
type Store struct {
	client rueidis.Client
	prefix string
	owner  string
}

// NewStore creates a claim store via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return newStore(client, cfg.KeyPrefix), nil
}

func newStore(c rueidis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	host, _ := os.Hostname()
	return &Store{client: c, prefix: prefix, owner: host + ":" + strconv.Itoa(os.Getpid())}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	cmd := s.b().Ping().Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

// Claim sets the key only if absent. A nil reply means another process holds it.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	cmd := s.b().Set().Key(s.prefix + key).Value(s.owner).Nx().ExSeconds(secs).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return true, nil
}

// Release deletes the key so the work can be claimed again.
func (s *Store) Release(ctx context.Context, key string) error {
	cmd := s.b().Del().Key(s.prefix + key).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}
