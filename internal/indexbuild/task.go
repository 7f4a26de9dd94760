// Package indexbuild issues index create/update/drop calls and supervises managed
// index builds until they become queryable, under bounded concurrency.
package indexbuild

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/indexdiff"
)

// Kind distinguishes simple indexes from managed ones.
type Kind string

const (
	KindSimple Kind = "simple"
	KindSearch Kind = "search"
	KindVector Kind = "vectorSearch"
)

// IsManaged reports whether builds of this kind are polled.
func (k Kind) IsManaged() bool { return k == KindSearch || k == KindVector }

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusQueryable Status = "queryable"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the task will not change again.
func (s Status) IsTerminal() bool { return s == StatusQueryable || s == StatusFailed }

// Reasons recorded on failed tasks.
const (
	ReasonCanceled = "canceled"
	ReasonTimeout  = "timeout"
	ReasonConflict = "conflict"
	ReasonRejected = "rejected"
	ReasonBuild    = "build failed"
)

// Request describes the calls a task issues. Names are physical (scope-prefixed).
type Request struct {
	Collection string
	Index      string
	Kind       Kind
	Action     indexdiff.Action
	// Drop names an index removed before the create.
	Drop string
	// Keys and Options drive simple creates.
	Keys    bson.D
	Options bson.M
	// Definition drives managed creates and updates.
	Definition bson.M
}

func (r Request) key() string { return r.Collection + "/" + r.Index }

func (r Request) simpleModel() db.IndexModel {
	return db.IndexModel{Name: r.Index, Keys: r.Keys, Options: r.Options}
}

// TaskInfo is a point-in-time view of a Task.
type TaskInfo struct {
	Collection string           `json:"collection"`
	Index      string           `json:"index"`
	Kind       Kind             `json:"kind"`
	Action     indexdiff.Action `json:"action"`
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Task tracks one build from submission to a terminal state.
type Task struct {
	req Request

	mu       sync.Mutex
	status   Status
	reason   string
	err      error
	attempts int
	created  time.Time
	updated  time.Time

	issueOnce sync.Once
	issueErr  error
	issued    chan struct{}
	done      chan struct{}
}

func newTask(req Request, now time.Time) *Task {
	return &Task{
		req:     req,
		status:  StatusPending,
		created: now,
		updated: now,
		issued:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Issued is closed once the mutating calls were issued or abandoned.
func (t *Task) Issued() <-chan struct{} { return t.issued }

// IssueErr is the reason issuing failed. Valid after Issued is closed.
func (t *Task) IssueErr() error {
	<-t.issued
	return t.issueErr
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status returns the current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the terminal error of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Info returns a snapshot.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		Collection: t.req.Collection,
		Index:      t.req.Index,
		Kind:       t.req.Kind,
		Action:     t.req.Action,
		Status:     t.status,
		Reason:     t.reason,
		Attempts:   t.attempts,
		CreatedAt:  t.created,
		UpdatedAt:  t.updated,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

func (t *Task) markIssued(err error) {
	t.issueOnce.Do(func() {
		t.issueErr = err
		close(t.issued)
	})
}

func (t *Task) addAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// transition moves the task to status and returns the previous one. Terminal tasks do not move.
func (t *Task) transition(status Status, reason string, err error, now time.Time) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.status
	if prev.IsTerminal() {
		return prev, false
	}
	t.status = status
	t.reason = reason
	t.err = err
	t.updated = now
	if status.IsTerminal() {
		close(t.done)
	}
	return prev, true
}
