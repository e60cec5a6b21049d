package index

import (
	"context"
)

// VerifyOrRebuild is the startup integrity check: trust the index only when
// its stamp matches the store's revision exactly, otherwise rebuild. There is
// no partial-repair path. A missing, stale, or future stamp all mean the same
// thing: the index's provenance is unknown and it must be re-derived.
//
// Returns whether a rebuild ran.
func (c *Coordinator) VerifyOrRebuild(ctx context.Context, batchSize int) (bool, error) {
	rev, err := c.store.Revision(ctx)
	if err != nil {
		return false, err
	}
	stamp, err := c.index.ReadStamp()
	if err != nil {
		return false, err
	}

	if stamp != nil && stamp.Revision == rev {
		c.logger.Info("index_verified", "revision", rev)
		return false, nil
	}

	if stamp == nil {
		c.logger.Warn("index_stamp_missing", "store_revision", rev)
	} else {
		c.logger.Warn("index_stamp_mismatch",
			"stamp_revision", stamp.Revision,
			"store_revision", rev)
	}
	if err := c.RebuildAll(ctx, batchSize); err != nil {
		return false, err
	}
	return true, nil
}
