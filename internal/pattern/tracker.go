package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/claim"
	"github.com/kailas-cloud/scopedb/internal/metrics"
)

// Defaults for Config.
const (
	DefaultThreshold   = 3
	DefaultMaxPatterns = 10000
	DefaultClaimTTL    = time.Hour
)

// Config tunes the tracker.
type Config struct {
	// Threshold is the observation count that triggers an index request.
	Threshold int
	// MaxPatterns bounds the number of records kept; least recently used go first.
	MaxPatterns int
	// ClaimTTL is how long a schedule claim blocks other processes.
	ClaimTTL time.Duration
}

// Record counts observations of one shape on one collection.
type Record struct {
	Collection string
	Key        string
	Count      int
	Scheduled  bool
}

// Tracker counts query shapes per collection. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	records   *lru.Cache[string, *Record]
	threshold int
	claimTTL  time.Duration
	claims    claim.Claimer
	logger    *zap.Logger
}

// NewTracker creates a tracker. A nil claimer uses an in-process claim table.
func NewTracker(cfg Config, claims claim.Claimer, logger *zap.Logger) (*Tracker, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = DefaultMaxPatterns
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if claims == nil {
		claims = claim.NewMemory(cfg.MaxPatterns, cfg.ClaimTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, *Record](cfg.MaxPatterns)
	if err != nil {
		return nil, fmt.Errorf("pattern cache: %w", err)
	}
	return &Tracker{
		records:   cache,
		threshold: cfg.Threshold,
		claimTTL:  cfg.ClaimTTL,
		claims:    claims,
		logger:    logger,
	}, nil
}

// Observe counts one occurrence of shape on collection. It returns true to exactly one
// caller: the one whose observation first reaches the threshold. Observe never does I/O;
// the winner confirms with Claim before requesting the index.
func (t *Tracker) Observe(collection string, shape Shape) bool {
	metrics.PatternObservationsTotal.Inc()
	return t.markScheduled(collection, collection+"|"+shape.Key())
}

// Claim makes the schedule exclusive across processes sharing the claim store.
// On error the local schedule is undone so a later observation may retry.
func (t *Tracker) Claim(ctx context.Context, collection string, shape Shape) (bool, error) {
	key := collection + "|" + shape.Key()
	granted, err := t.claims.Claim(ctx, key, t.claimTTL)
	if err != nil {
		t.unmark(key)
		metrics.AutoIndexTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("claim pattern %s: %w", key, err)
	}
	if !granted {
		metrics.AutoIndexTotal.WithLabelValues("claimed_elsewhere").Inc()
		t.logger.Debug("pattern already scheduled elsewhere",
			zap.String("collection", collection), zap.String("pattern", key))
		return false, nil
	}

	metrics.AutoIndexTotal.WithLabelValues("scheduled").Inc()
	return true, nil
}

// markScheduled increments the record and flips Scheduled once, under one lock.
func (t *Tracker) markScheduled(collection, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records.Get(key)
	if !ok {
		rec = &Record{Collection: collection, Key: key}
		t.records.Add(key, rec)
		metrics.PatternRecords.Set(float64(t.records.Len()))
	}
	rec.Count++
	if rec.Scheduled || rec.Count < t.threshold {
		return false
	}
	rec.Scheduled = true
	return true
}

func (t *Tracker) unmark(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records.Peek(key); ok {
		rec.Scheduled = false
	}
}

// Release forgets the schedule for shape so a later observation may request it again.
// Used when the index request could not be issued.
func (t *Tracker) Release(ctx context.Context, collection string, shape Shape) error {
	key := collection + "|" + shape.Key()
	t.unmark(key)
	return t.claims.Release(ctx, key)
}

// Records returns a snapshot of the tracked records, most recently used last.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, t.records.Len())
	for _, key := range t.records.Keys() {
		if rec, ok := t.records.Peek(key); ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records.Len()
}
