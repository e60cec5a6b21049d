package index

import (
	"context"
	"time"

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// RebuildAll derives the entire index from the store: reset, iterate every
// subject, project, batch-index, stamp. Deterministic given a fixed store
// state, so two rebuilds from the same state produce equal indexes.
//
// The revision is captured before iteration. If concurrent mutations land
// while the rebuild runs they bump the store past the captured revision, the
// written stamp no longer matches, and the next integrity check rebuilds
// again rather than trusting a possibly torn snapshot.
func (c *Coordinator) RebuildAll(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	start := time.Now()

	rev, err := c.store.Revision(ctx)
	if err != nil {
		return err
	}
	subjects, err := c.store.Subjects(ctx)
	if err != nil {
		return err
	}

	if err := c.index.Reset(ctx); err != nil {
		return kerrors.IndexError("failed to reset index for rebuild", err)
	}
	// The rebuild supersedes every recorded divergence.
	c.clearAllDirty()

	batch := make([]*store.Document, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.index.UpsertBatch(ctx, batch); err != nil {
			return kerrors.IndexError("rebuild batch failed", err)
		}
		batch = batch[:0]
		return nil
	}

	indexed := 0
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		triples, err := c.store.SubjectTriples(ctx, subject)
		if err != nil {
			return err
		}
		doc := c.engine.Project(subject, triples)
		if doc == nil {
			continue
		}
		batch = append(batch, doc)
		indexed++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if err := c.index.WriteStamp(store.Stamp{Revision: rev, UpdatedAt: time.Now().UTC()}); err != nil {
		return kerrors.IndexError("failed to write integrity stamp after rebuild", err)
	}

	c.logger.Info("index_rebuilt",
		"subjects", len(subjects),
		"documents", indexed,
		"revision", rev,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
