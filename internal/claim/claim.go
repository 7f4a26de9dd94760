// Package claim provides atomic "already scheduled" markers shared by index schedulers.
package claim

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Claimer grants a key to exactly one caller until the claim expires or is released.
type Claimer interface {
	// Claim returns true when the caller now owns key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DefaultMemorySize bounds a Memory table created with a non-positive size.
const DefaultMemorySize = 10000

// Memory is an in-process Claimer bounded in size. Claims expire after the smaller of
// their own ttl and the table ttl; a zero claim ttl lasts as long as the table keeps it.
// When the table is full the least recently claimed key is dropped.
type Memory struct {
	mu     sync.Mutex
	claims *expirable.LRU[string, time.Time]
	now    func() time.Time
}

// NewMemory creates a claim table holding at most size keys for at most ttl each.
// A non-positive ttl keeps claims until they are released or pushed out.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		claims: expirable.NewLRU[string, time.Time](size, nil, ttl),
		now:    time.Now,
	}
}

// Claim implements Claimer.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.claims.Peek(key); ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.claims.Add(key, exp)
	return true, nil
}

// Release implements Claimer.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims.Remove(key)
	return nil
}

// Len returns the number of keys held, including expired ones not yet swept.
func (m *Memory) Len() int {
	return m.claims.Len()
}
