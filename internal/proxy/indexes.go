package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/domain"
	"github.com/kailas-cloud/scopedb/internal/domain/index"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/indexdiff"
)

// autoIndexPrefix starts the base name of every automatically requested index.
// Declared specs may not use it.
const autoIndexPrefix = "auto_"

// IndexManager converges the declared indexes of one scoped collection.
type IndexManager struct {
	c *CollectionProxy
}

// IndexResult is the outcome of one physical index in an EnsureIndexes call.
type IndexResult struct {
	// Spec is the declared base name.
	Spec string
	// Index is the physical name.
	Index  string
	Kind   indexbuild.Kind
	Action indexdiff.Action
	Reason string
	// Task supervises managed builds; nil for simple indexes.
	Task *indexbuild.Task
	Err  error
}

// Report lists the outcome of every physical index an EnsureIndexes call touched.
type Report struct {
	Results []IndexResult
}

// Tasks returns the managed build tasks the call submitted or joined.
func (r Report) Tasks() []*indexbuild.Task {
	var out []*indexbuild.Task
	for _, res := range r.Results {
		if res.Task != nil {
			out = append(out, res.Task)
		}
	}
	return out
}

// Failed returns the results that carry an error.
func (r Report) Failed() []IndexResult {
	var out []IndexResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// EnsureIndexes converges the collection's indexes with specs. Every spec is validated
// before any database call; an invalid spec is reported and skipped without blocking
// the valid ones. Simple indexes are created, or dropped and recreated, before it
// returns. Managed search and vector indexes are handed to the build coordinator; it
// returns once their create or update calls were issued, or after one call timeout
// when builds queue behind others. Builds are not waited for; use WaitReady or Status.
//
// The returned error joins every per-spec failure; the Report is complete either way.
func (m *IndexManager) EnsureIndexes(ctx context.Context, specs []index.Spec) (Report, error) {
	var (
		report  Report
		errs    []error
		simple  []index.Spec
		managed []index.Spec
	)
	for _, spec := range specs {
		if err := validateDeclared(spec); err != nil {
			report.Results = append(report.Results, IndexResult{Spec: spec.Name, Err: err})
			errs = append(errs, err)
			continue
		}
		if spec.Type.IsManaged() {
			managed = append(managed, spec)
		} else {
			simple = append(simple, spec)
		}
	}

	log := m.c.db.engine.logger.With(zap.String("collection", m.c.name))

	if len(simple) > 0 {
		results, err := m.ensureSimple(ctx, simple, log)
		report.Results = append(report.Results, results...)
		errs = append(errs, err)
	}
	if len(managed) > 0 {
		results, err := m.ensureManaged(ctx, managed, log)
		report.Results = append(report.Results, results...)
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

func validateDeclared(spec index.Spec) error {
	if strings.HasPrefix(spec.Name, autoIndexPrefix) {
		return domain.NewInvalidIndexSpec(spec.Name, "the %q prefix is reserved for automatic indexes", autoIndexPrefix)
	}
	return spec.Validate()
}

func (m *IndexManager) ensureSimple(ctx context.Context, specs []index.Spec, log *zap.Logger) ([]IndexResult, error) {
	existing, err := m.listIndexes(ctx)
	if err != nil {
		results := make([]IndexResult, len(specs))
		for i, spec := range specs {
			results[i] = IndexResult{Spec: spec.Name, Index: m.c.db.names.Index(spec.Name), Kind: indexbuild.KindSimple, Err: err}
		}
		return results, fmt.Errorf("list indexes of %s: %w", m.c.name, err)
	}

	// Automatic indexes of this scope give way to declared ones on the same keys.
	autoPrefix := m.c.db.names.Index(autoIndexPrefix)
	replaceable := func(name string) bool { return strings.HasPrefix(name, autoPrefix) }

	var errs []error
	results := make([]IndexResult, 0, len(specs))
	for _, spec := range specs {
		model := db.IndexModel{Name: m.c.db.names.Index(spec.Name), Keys: spec.Keys.D(), Options: spec.Options}
		decision := indexdiff.DiffSimple(model, existing, replaceable)
		res := IndexResult{
			Spec:   spec.Name,
			Index:  model.Name,
			Kind:   indexbuild.KindSimple,
			Action: decision.Action,
			Reason: decision.Reason,
		}

		switch {
		case decision.Action == indexdiff.ActionConflict:
			res.Err = fmt.Errorf("index %s: %w: %s", model.Name, domain.ErrIndexBuildConflict, decision.Reason)
			log.Warn("index conflict", zap.String("index", model.Name), zap.String("reason", decision.Reason))
		case decision.Mutates():
			if decision.Action == indexdiff.ActionRecreate {
				log.Info("recreating index", zap.String("index", model.Name),
					zap.String("drop", decision.Drop), zap.String("reason", decision.Reason))
			}
			res.Err = m.c.db.engine.builds.Apply(ctx, indexbuild.Request{
				Collection: m.c.name,
				Index:      model.Name,
				Kind:       indexbuild.KindSimple,
				Action:     decision.Action,
				Drop:       decision.Drop,
				Keys:       model.Keys,
				Options:    model.Options,
			})
		}
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", spec.Name, res.Err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (m *IndexManager) ensureManaged(ctx context.Context, specs []index.Spec, log *zap.Logger) ([]IndexResult, error) {
	existing, listErr := m.listSearchIndexes(ctx)
	canUpdate := m.c.coll.SupportsSearchIndexUpdate()
	stamp := m.c.filter().StampField()

	var errs []error
	var results []IndexResult
	for _, spec := range specs {
		for _, part := range spec.ManagedParts() {
			name := m.c.db.names.Index(spec.Name + part.Suffix)
			kind := indexbuild.Kind(part.Kind)
			res := IndexResult{Spec: spec.Name, Index: name, Kind: kind}
			if listErr != nil {
				res.Err = listErr
				results = append(results, res)
				errs = append(errs, fmt.Errorf("index %s: list search indexes: %w", spec.Name, listErr))
				continue
			}

			def := part.Definition
			if kind == indexbuild.KindVector {
				def = index.WithFilterPath(def, stamp)
			} else {
				def = index.WithTokenMapping(def, stamp)
			}

			decision := indexdiff.DiffManaged(name, part.Kind, def, existing, canUpdate)
			res.Action, res.Reason = decision.Action, decision.Reason
			if !decision.Mutates() && !decision.Pending {
				results = append(results, res)
				continue
			}

			task, created, err := m.c.db.engine.builds.Submit(indexbuild.Request{
				Collection: m.c.name,
				Index:      name,
				Kind:       kind,
				Action:     decision.Action,
				Drop:       decision.Drop,
				Definition: def,
			})
			if err != nil {
				res.Err = err
				errs = append(errs, fmt.Errorf("index %s: %w", spec.Name, err))
			} else {
				res.Task = task
				if !created {
					log.Debug("joined running index task", zap.String("index", name))
				}
			}
			results = append(results, res)
		}
	}
	errs = append(errs, m.awaitIssued(ctx, results, log)...)
	return results, errors.Join(errs...)
}

// awaitIssued waits for the tasks in results to issue their mutating calls and records
// issue failures on them. It gives up after one call timeout; tasks still queued
// behind other builds keep running in the background.
func (m *IndexManager) awaitIssued(ctx context.Context, results []IndexResult, log *zap.Logger) []error {
	timer := time.NewTimer(m.c.db.engine.cfg.CallTimeout)
	defer timer.Stop()

	var errs []error
	for i := range results {
		task := results[i].Task
		if task == nil {
			continue
		}
		select {
		case <-task.Issued():
		case <-timer.C:
			log.Warn("index calls still queued", zap.String("index", results[i].Index))
			return errs
		case <-ctx.Done():
			return append(errs, fmt.Errorf("waiting for index %s: %w", results[i].Index, ctx.Err()))
		}
		if err := task.IssueErr(); err != nil {
			results[i].Err = err
			errs = append(errs, fmt.Errorf("index %s: %w", results[i].Spec, err))
		}
	}
	return errs
}

// IndexState is the readiness of one physical index.
type IndexState struct {
	Index  string
	Kind   indexbuild.Kind
	Status indexbuild.Status
	Reason string
	Err    error
}

// Status reports the readiness of the physical indexes provisioned for base: one for
// simple, search and vector specs, two for hybrid ones. Unknown names yield
// db.ErrIndexNotFound.
func (m *IndexManager) Status(ctx context.Context, base string) ([]IndexState, error) {
	names := []string{
		m.c.db.names.Index(base),
		m.c.db.names.Index(base + "_vector"),
		m.c.db.names.Index(base + "_text"),
	}
	builds := m.c.db.engine.builds

	simple, err := m.listIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", m.c.name, err)
	}
	// Deployments without a search control plane still answer for simple indexes.
	search, err := m.listSearchIndexes(ctx)
	if err != nil && !errors.Is(err, db.ErrSearchNotSupported) {
		return nil, fmt.Errorf("list search indexes of %s: %w", m.c.name, err)
	}

	var states []IndexState
	for _, name := range names {
		task, hasTask := builds.Task(m.c.name, name)
		if hasTask && !task.Status().IsTerminal() {
			info := task.Info()
			states = append(states, IndexState{Index: name, Kind: info.Kind, Status: info.Status, Reason: info.Reason})
			continue
		}

		st, found := searchState(name, search)
		if !found && hasSimple(name, simple) {
			st, found = IndexState{Index: name, Kind: indexbuild.KindSimple, Status: indexbuild.StatusQueryable}, true
		}
		// A task that gave up wins over a build the server is still running.
		if hasTask && task.Status() == indexbuild.StatusFailed && st.Status != indexbuild.StatusQueryable {
			info := task.Info()
			st, found = IndexState{
				Index: name, Kind: info.Kind, Status: info.Status, Reason: info.Reason, Err: task.Err(),
			}, true
		}
		if found {
			states = append(states, st)
		}
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("index %s on %s: %w", base, m.c.name, db.ErrIndexNotFound)
	}
	return states, nil
}

func searchState(name string, infos []db.SearchIndexInfo) (IndexState, bool) {
	for _, info := range infos {
		if info.Name != name || info.Status == db.SearchIndexDoesNotExist {
			continue
		}
		st := IndexState{Index: name, Kind: indexbuild.Kind(info.Type), Status: indexbuild.StatusBuilding}
		switch {
		case info.IsReady():
			st.Status = indexbuild.StatusQueryable
		case info.IsFailed():
			st.Status = indexbuild.StatusFailed
			st.Reason = indexbuild.ReasonBuild
		}
		return st, true
	}
	return IndexState{}, false
}

func hasSimple(name string, infos []db.IndexInfo) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

// WaitReady blocks until every index provisioned for base is queryable, one of them
// fails, or ctx ends.
func (m *IndexManager) WaitReady(ctx context.Context, base string) error {
	interval := m.c.db.engine.cfg.Builds.PollInterval
	if interval <= 0 {
		interval = indexbuild.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		states, err := m.Status(ctx, base)
		if err != nil {
			return err
		}

		ready := true
		var active []*indexbuild.Task
		for _, st := range states {
			switch st.Status {
			case indexbuild.StatusQueryable:
				continue
			case indexbuild.StatusFailed:
				if st.Err != nil {
					return fmt.Errorf("index %s: %w", st.Index, st.Err)
				}
				return fmt.Errorf("index %s: %s", st.Index, st.Reason)
			}
			ready = false
			if t, ok := m.c.db.engine.builds.Task(m.c.name, st.Index); ok && !t.Status().IsTerminal() {
				active = append(active, t)
			}
		}
		if ready {
			return nil
		}

		var done <-chan struct{}
		if len(active) > 0 {
			done = active[0].Done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

func (m *IndexManager) listIndexes(ctx context.Context) ([]db.IndexInfo, error) {
	ctx, cancel := m.c.db.engine.withTimeout(ctx)
	defer cancel()
	return m.c.coll.ListIndexes(ctx)
}

func (m *IndexManager) listSearchIndexes(ctx context.Context) ([]db.SearchIndexInfo, error) {
	ctx, cancel := m.c.db.engine.withTimeout(ctx)
	defer cancel()
	return m.c.coll.ListSearchIndexes(ctx, "")
}
