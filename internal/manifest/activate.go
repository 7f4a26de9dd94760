package manifest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/proxy"
)

// Activation is the outcome of ensuring one tenant's declared indexes on one collection.
type Activation struct {
	Scope      string
	Collection string
	Report     proxy.Report
}

// Activate ensures every declared collection's indexes for every tenant. A failing
// tenant or spec does not stop the rest; the returned error joins all failures.
// Managed builds keep running in the engine after Activate returns.
func Activate(ctx context.Context, e *proxy.Engine, m Manifest, logger *zap.Logger) ([]Activation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		out  []Activation
		errs []error
	)
	for _, t := range m.Tenants {
		s, err := t.Scope()
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.WriteScope, err))
			continue
		}
		d, err := e.ForScope(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.WriteScope, err))
			continue
		}

		for _, c := range m.Collections {
			coll := d.Collection(c.Base)
			report, err := coll.Indexes().EnsureIndexes(ctx, c.Indexes)
			out = append(out, Activation{Scope: s.Write(), Collection: coll.Name(), Report: report})

			log := logger.With(zap.String("scope", s.Write()), zap.String("collection", coll.Name()))
			for _, res := range report.Results {
				if res.Err != nil {
					log.Error("index not ensured", zap.String("index", res.Spec), zap.Error(res.Err))
					continue
				}
				log.Debug("index ensured",
					zap.String("index", res.Index),
					zap.String("kind", string(res.Kind)),
					zap.String("action", string(res.Action)),
				)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s collection %s: %w", s.Write(), c.Base, err))
			}
		}
	}
	return out, errors.Join(errs...)
}
