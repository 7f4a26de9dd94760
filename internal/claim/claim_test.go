package claim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_ClaimOnce(t *testing.T) {
	m := NewMemory(0, time.Hour)
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Claim(ctx, "k", time.Minute)
			if err != nil {
				t.Error(err)
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted.Load())
	}
}

func TestMemory_ExpiryAndRelease(t *testing.T) {
	m := NewMemory(10, time.Hour)
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.Claim(ctx, "k", time.Second); !ok {
		t.Fatal("first claim must succeed")
	}
	if ok, _ := m.Claim(ctx, "k", time.Second); ok {
		t.Fatal("second claim must fail while held")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := m.Claim(ctx, "k", 0); !ok {
		t.Fatal("expired claim must be reclaimable")
	}
	now = now.Add(time.Minute)
	if ok, _ := m.Claim(ctx, "k", 0); ok {
		t.Fatal("zero ttl claims last while the table keeps them")
	}
	if err := m.Release(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Claim(ctx, "k", 0); !ok {
		t.Fatal("released claim must be reclaimable")
	}
}

func TestMemory_Bounded(t *testing.T) {
	m := NewMemory(100, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		if ok, err := m.Claim(ctx, fmt.Sprintf("key_%d", i), time.Hour); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
	}
	if m.Len() != 100 {
		t.Errorf("expected the table to stay at 100 keys, got %d", m.Len())
	}
	if ok, _ := m.Claim(ctx, "key_4999", time.Hour); ok {
		t.Error("the most recent claim must still be held")
	}
}

func TestMemory_ExpiredClaimsAreEvicted(t *testing.T) {
	m := NewMemory(0, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if _, err := m.Claim(ctx, fmt.Sprintf("key_%d", i), time.Nanosecond); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired claims were not swept, %d left", m.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ok, _ := m.Claim(ctx, "key_0", time.Hour); !ok {
		t.Error("an evicted key must be claimable again")
	}
}
