package proxy

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailas-cloud/scopedb/internal/db"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/indexdiff"
	"github.com/kailas-cloud/scopedb/internal/metrics"
	"github.com/kailas-cloud/scopedb/internal/naming"
	"github.com/kailas-cloud/scopedb/internal/pattern"
)

// requestAutoIndex turns a shape that crossed the threshold into an index task.
// Failures are logged; the read that triggered it has already returned.
func (c *CollectionProxy) requestAutoIndex(ctx context.Context, shape pattern.Shape) {
	e := c.db.engine
	log := e.logger.With(zap.String("collection", c.name), zap.String("pattern", shape.Key()))

	granted, err := e.tracker.Claim(ctx, c.name, shape)
	if err != nil {
		log.Warn("auto index claim failed", zap.Error(err))
		return
	}
	if !granted {
		return
	}

	keys, ok := shape.IndexKeys()
	if !ok {
		metrics.AutoIndexTotal.WithLabelValues("skipped").Inc()
		return
	}
	model := keys.D()

	listCtx, cancel := e.withTimeout(ctx)
	existing, err := c.coll.ListIndexes(listCtx)
	cancel()
	if err != nil {
		log.Warn("auto index: list indexes failed", zap.Error(err))
		c.releasePattern(ctx, shape, log)
		return
	}
	if name, covered := indexdiff.Covered(model, existing); covered {
		metrics.AutoIndexTotal.WithLabelValues("covered").Inc()
		log.Debug("auto index: shape already covered", zap.String("index", name))
		return
	}

	name := naming.Index(c.db.scope.Write(), pattern.IndexName(keys))
	decision := indexdiff.DiffSimple(db.IndexModel{Name: name, Keys: model}, existing, nil)
	if !decision.Mutates() {
		metrics.AutoIndexTotal.WithLabelValues("covered").Inc()
		return
	}

	task, created, err := e.builds.Submit(indexbuild.Request{
		Collection: c.name,
		Index:      name,
		Kind:       indexbuild.KindSimple,
		Action:     decision.Action,
		Drop:       decision.Drop,
		Keys:       model,
	})
	if err != nil {
		log.Warn("auto index: submit failed", zap.Error(err))
		c.releasePattern(ctx, shape, log)
		return
	}
	if created {
		log.Info("auto index requested", zap.String("index", name))
	}

	// A failed build may be requested again once the shape recurs.
	select {
	case <-task.Done():
		if task.Status() == indexbuild.StatusFailed {
			c.releasePattern(context.WithoutCancel(ctx), shape, log)
		}
	case <-ctx.Done():
	}
}

func (c *CollectionProxy) releasePattern(ctx context.Context, shape pattern.Shape, log *zap.Logger) {
	if err := c.db.engine.tracker.Release(ctx, c.name, shape); err != nil {
		log.Warn("auto index: release claim failed", zap.Error(err))
	}
}
