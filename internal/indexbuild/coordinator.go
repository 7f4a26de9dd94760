package indexbuild

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain"
	"github.com/kailas-cloud/scopedb/internal/indexdiff"
	"github.com/kailas-cloud/scopedb/internal/metrics"
)

// Defaults for Config.
const (
	DefaultConcurrency  = 3
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 10 * time.Minute
	DefaultCallTimeout  = 30 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 500 * time.Millisecond
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("index build coordinator closed")

// Config tunes the coordinator.
type Config struct {
	// Concurrency bounds tasks issuing calls or polling at once; the rest queue.
	Concurrency int
	// PollInterval is the delay between status checks of a managed build.
	PollInterval time.Duration
	// Timeout bounds a managed build from issue to queryable.
	Timeout time.Duration
	// CallTimeout bounds every single database call.
	CallTimeout time.Duration
	// MaxRetries is how often a transient failure is retried.
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
}

// Coordinator owns every background index task of one process.
type Coordinator struct {
	db     db.Database
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

// New creates a coordinator bound to database.
func New(database db.Database, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		db:     database,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
}

// Submit schedules req in the background and returns its task. A request for an index
// that already has an unfinished task returns that task instead; created is then false.
func (c *Coordinator) Submit(req Request) (task *Task, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	if existing, ok := c.tasks[req.key()]; ok && !existing.Status().IsTerminal() {
		return existing, false, nil
	}

	task = newTask(req, c.now())
	c.tasks[req.key()] = task
	metrics.BuildTaskStates.WithLabelValues(string(StatusPending)).Inc()

	c.wg.Add(1)
	go c.run(task)
	return task, true, nil
}

// Apply issues req synchronously, with retries, and without polling. Used for simple
// indexes whose create call returning is treated as sufficient.
func (c *Coordinator) Apply(ctx context.Context, req Request) error {
	return c.issue(ctx, req, nil)
}

// Status returns the latest task for an index.
func (c *Coordinator) Status(collection, index string) (TaskInfo, bool) {
	c.mu.Lock()
	t, ok := c.tasks[collection+"/"+index]
	c.mu.Unlock()
	if !ok {
		return TaskInfo{}, false
	}
	return t.Info(), true
}

// Task returns the latest task for an index.
func (c *Coordinator) Task(collection, index string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[collection+"/"+index]
	return t, ok
}

// Tasks returns snapshots of every known task ordered by collection and index.
func (c *Coordinator) Tasks() []TaskInfo {
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Close cancels queued and polling tasks, which end as failed with reason canceled,
// and waits for them to stop or for ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for index tasks: %w", ctx.Err())
	}
}

func (c *Coordinator) run(t *Task) {
	defer c.wg.Done()
	req := t.req
	log := c.logger.With(zap.String("collection", req.Collection), zap.String("index", req.Index),
		zap.String("kind", string(req.Kind)), zap.String("action", string(req.Action)))

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		t.markIssued(err)
		c.finish(t, log, StatusFailed, ReasonCanceled, err)
		return
	}
	defer c.sem.Release(1)

	if err := c.issue(c.ctx, req, t); err != nil {
		t.markIssued(err)
		reason := failureReason(c.ctx, err)
		if reason == ReasonTimeout {
			err = fmt.Errorf("%w: %w", domain.ErrIndexBuildTimeout, err)
		}
		c.finish(t, log, StatusFailed, reason, err)
		return
	}
	t.markIssued(nil)

	if !req.Kind.IsManaged() {
		c.finish(t, log, StatusQueryable, "", nil)
		return
	}
	c.move(t, StatusBuilding)
	c.poll(t, log)
}

func failureReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, domain.ErrIndexBuildConflict):
		return ReasonConflict
	case db.IsTransient(err):
		return ReasonTimeout
	default:
		return ReasonRejected
	}
}

// issue runs the drop/create/update calls of req. t, when set, counts attempts.
func (c *Coordinator) issue(ctx context.Context, req Request, t *Task) error {
	coll := c.db.Collection(req.Collection)

	if req.Action == indexdiff.ActionConflict {
		return fmt.Errorf("%w: %s", domain.ErrIndexBuildConflict, req.Index)
	}
	if req.Drop != "" {
		err := c.call(ctx, t, func(ctx context.Context) error {
			if req.Kind.IsManaged() {
				return coll.DropSearchIndex(ctx, req.Drop)
			}
			return coll.DropIndex(ctx, req.Drop)
		})
		if err != nil && !errors.Is(err, db.ErrIndexNotFound) {
			return fmt.Errorf("drop %s: %w", req.Drop, err)
		}
	}

	switch req.Action {
	case indexdiff.ActionCreate, indexdiff.ActionRecreate:
		if !req.Kind.IsManaged() {
			err := c.call(ctx, t, func(ctx context.Context) error {
				_, err := coll.CreateIndex(ctx, req.simpleModel())
				return err
			})
			if errors.Is(err, db.ErrIndexOptionsClash) {
				return fmt.Errorf("%w: %w", domain.ErrIndexBuildConflict, err)
			}
			return err
		}
		err := c.callRetrying(ctx, t, func(err error) bool {
			// A dropped managed index lingers while the control plane deletes it.
			return req.Drop != "" && errors.Is(err, db.ErrIndexExists)
		}, func(ctx context.Context) error {
			return coll.CreateSearchIndex(ctx, db.SearchIndexModel{Name: req.Index, Type: string(req.Kind), Definition: req.Definition})
		})
		if req.Drop == "" && errors.Is(err, db.ErrIndexExists) {
			// Created concurrently by another process; poll it.
			return nil
		}
		return err
	case indexdiff.ActionUpdate:
		return c.call(ctx, t, func(ctx context.Context) error {
			return coll.UpdateSearchIndex(ctx, req.Index, req.Definition)
		})
	case indexdiff.ActionNoop:
		return nil
	}
	return fmt.Errorf("unknown action %q", req.Action)
}

func (c *Coordinator) call(ctx context.Context, t *Task, fn func(context.Context) error) error {
	return c.callRetrying(ctx, t, nil, fn)
}

// callRetrying runs fn under CallTimeout, retrying transient errors (and errors extra
// accepts) with doubling backoff.
func (c *Coordinator) callRetrying(ctx context.Context, t *Task, extra func(error) bool, fn func(context.Context) error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if t != nil {
			t.addAttempt()
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		retryable := db.IsTransient(err) || (extra != nil && extra(err))
		if !retryable || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}

		c.logger.Warn("retrying index call", zap.Int("attempt", attempt+1), zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (c *Coordinator) poll(t *Task, log *zap.Logger) {
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	coll := c.db.Collection(t.req.Collection)
	failures := 0
	for {
		callCtx, cancel := context.WithTimeout(c.ctx, c.cfg.CallTimeout)
		infos, err := coll.ListSearchIndexes(callCtx, t.req.Index)
		cancel()

		switch {
		case err != nil && c.ctx.Err() == nil:
			failures++
			log.Warn("index status poll failed", zap.Int("attempt", failures), zap.Error(err))
			if !db.IsTransient(err) || failures > c.cfg.MaxRetries {
				c.finish(t, log, StatusFailed, ReasonTimeout,
					fmt.Errorf("%w: polling %s: %w", domain.ErrIndexBuildTimeout, t.req.Index, err))
				return
			}
		case err == nil:
			failures = 0
			for _, info := range infos {
				if info.Name != t.req.Index {
					continue
				}
				if info.IsReady() {
					c.finish(t, log, StatusQueryable, "", nil)
					return
				}
				if info.IsFailed() {
					c.finish(t, log, StatusFailed, ReasonBuild,
						fmt.Errorf("index %s reported status %s", t.req.Index, info.Status))
					return
				}
			}
		}

		select {
		case <-c.ctx.Done():
			c.finish(t, log, StatusFailed, ReasonCanceled, c.ctx.Err())
			return
		case <-deadline.C:
			c.finish(t, log, StatusFailed, ReasonTimeout,
				fmt.Errorf("%w: %s not queryable after %s", domain.ErrIndexBuildTimeout, t.req.Index, c.cfg.Timeout))
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) move(t *Task, status Status) {
	if prev, ok := t.transition(status, "", nil, c.now()); ok {
		metrics.BuildTaskStates.WithLabelValues(string(prev)).Dec()
		metrics.BuildTaskStates.WithLabelValues(string(status)).Inc()
	}
}

func (c *Coordinator) finish(t *Task, log *zap.Logger, status Status, reason string, err error) {
	prev, ok := t.transition(status, reason, err, c.now())
	if !ok {
		return
	}
	metrics.BuildTaskStates.WithLabelValues(string(prev)).Dec()
	metrics.BuildTaskStates.WithLabelValues(string(status)).Inc()
	metrics.BuildDuration.WithLabelValues(string(t.req.Kind)).Observe(c.now().Sub(t.Info().CreatedAt).Seconds())

	result := string(status)
	if reason != "" {
		result = reason
	}
	metrics.BuildTasksTotal.WithLabelValues(string(t.req.Kind), result).Inc()

	if status == StatusFailed {
		log.Error("index build failed", zap.String("status", string(status)),
			zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Info("index build finished", zap.String("status", string(status)))
}
