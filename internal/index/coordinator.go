// Package index keeps the text index synchronized with the triple store.
//
// The store is authoritative and the index is derived; every mechanism here
// exists to hold one invariant: after quiescence, the index equals the
// projection of the store. Incremental sync maintains it cheaply, the dirty
// set records where it is temporarily broken, and the full rebuild restores
// it unconditionally.
package index

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kos-kit/kos-kit-server/internal/config"
	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/projection"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// lockStripes is the number of subject lock stripes. Re-syncs of the same
// subject serialize; distinct subjects mostly proceed in parallel.
const lockStripes = 64

// Coordinator owns the write path. All mutations flow through Apply so that
// the store commit and the per-subject index update happen in a fixed order:
// store first, index second, divergence recorded on index failure.
type Coordinator struct {
	store    store.TripleStore
	index    store.TextIndex
	engine   *projection.Engine
	cfg      config.SyncConfig
	retryCfg kerrors.RetryConfig
	logger   *slog.Logger

	stripes [lockStripes]sync.Mutex

	mu    sync.Mutex
	dirty map[string]int // subject IRI -> failed attempts

	// onChanged is invoked with the subjects whose store data changed, as
	// soon as the commit is visible, and again when a deferred index sync
	// catches up. The query gateway hooks this for cache invalidation.
	onChanged func(subjects []string)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCoordinator wires the store, the index, and the projection engine.
func NewCoordinator(ts store.TripleStore, ti store.TextIndex, engine *projection.Engine, cfg config.SyncConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := kerrors.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.RetryMax
	if d := cfg.RetryInitialDelay.Std(); d > 0 {
		retryCfg.InitialDelay = d
	}
	if d := cfg.RetryMaxDelay.Std(); d > 0 {
		retryCfg.MaxDelay = d
	}
	return &Coordinator{
		store:    ts,
		index:    ti,
		engine:   engine,
		cfg:      cfg,
		retryCfg: retryCfg,
		logger:   logger,
		dirty:    make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetOnChanged registers the subject-changed hook. Must be called before
// Start.
func (c *Coordinator) SetOnChanged(fn func(subjects []string)) {
	c.onChanged = fn
}

// Apply commits a mutation batch to the store, then re-synchronizes every
// subject whose triple set changed. A store failure aborts everything and is
// returned as-is. An index failure does NOT fail the call: the store commit
// already happened and is the truth; the affected subject goes on the dirty
// set and the caller sees the successful mutation result.
func (c *Coordinator) Apply(ctx context.Context, adds, removes []rdf.Triple) (*store.MutationResult, error) {
	res, err := c.store.Mutate(ctx, adds, removes)
	if err != nil {
		return nil, err
	}
	if len(res.Subjects) == 0 {
		return res, nil
	}

	// The commit is already visible to graph reads, so any cached record of
	// these subjects is stale now, whether or not the index syncs below
	// succeed.
	c.notifyChanged(res.Subjects)

	for _, subject := range res.Subjects {
		if err := c.SubjectChanged(ctx, subject); err != nil {
			if kerrors.IsRetryable(err) {
				c.logger.Warn("subject_sync_deferred",
					"subject", subject,
					"error", err)
			} else {
				c.logger.Error("subject_sync_failed",
					"subject", subject,
					"error", err)
			}
		}
	}
	return res, nil
}

// SubjectChanged re-derives one subject's index entry from a fresh store
// read. Reading fresh rather than from the mutation payload makes the
// operation idempotent and safe to retry: it always converges on the store's
// current state, however many mutations raced in between.
func (c *Coordinator) SubjectChanged(ctx context.Context, subject string) error {
	stripe := &c.stripes[stripeFor(subject)]
	stripe.Lock()
	defer stripe.Unlock()

	triples, err := c.store.SubjectTriples(ctx, subject)
	if err != nil {
		// Store read failure: nothing to mark dirty against, the next
		// mutation or rebuild covers it.
		return err
	}

	doc := c.engine.Project(subject, triples)
	if doc == nil {
		err = c.index.Delete(ctx, subject)
	} else {
		err = c.index.Upsert(ctx, doc)
	}
	if err != nil {
		c.markDirty(subject)
		return kerrors.SyncError(subject, err)
	}
	c.clearDirty(subject)
	return nil
}

// Dirty returns the subjects currently known to diverge from the store,
// sorted for stable reporting.
func (c *Coordinator) Dirty() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects := make([]string, 0, len(c.dirty))
	for s := range c.dirty {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Start launches the background retrier. The retrier wakes periodically and
// re-syncs dirty subjects with exponential backoff; a subject that keeps
// failing past RetryMax stays on the dirty set for the next full rebuild to
// absorb.
func (c *Coordinator) Start(ctx context.Context) {
	go c.retryLoop(ctx)
}

// Stop shuts the retrier down and waits for it.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Coordinator) retryLoop(ctx context.Context) {
	defer close(c.doneCh)
	interval := c.retryCfg.InitialDelay
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		retried, failed := c.retryDirty(ctx)
		if retried > 0 {
			c.logger.Info("dirty_retry_pass",
				"retried", retried,
				"still_dirty", failed)
		}
	}
}

// retryDirty re-syncs every dirty subject still under the attempt budget,
// each driven through the shared backoff policy. Returns how many were
// attempted and how many remain dirty.
func (c *Coordinator) retryDirty(ctx context.Context) (retried, failed int) {
	c.mu.Lock()
	candidates := make([]string, 0, len(c.dirty))
	for s, attempts := range c.dirty {
		if c.cfg.RetryMax <= 0 || attempts <= c.cfg.RetryMax {
			candidates = append(candidates, s)
		}
	}
	c.mu.Unlock()

	var synced []string
	for _, subject := range candidates {
		retried++
		err := kerrors.Retry(ctx, c.retryCfg, func() error {
			return c.SubjectChanged(ctx, subject)
		})
		if err != nil {
			failed++
			c.logger.Warn("dirty_retry_exhausted",
				"subject", subject,
				"error", err)
			continue
		}
		synced = append(synced, subject)
	}
	c.notifyChanged(synced)
	return retried, failed
}

// Quiesce drains the dirty set and, when fully synchronized, writes the
// integrity stamp at the store's current revision. Called on graceful
// shutdown so the next startup can skip the rebuild.
func (c *Coordinator) Quiesce(ctx context.Context) error {
	for _, subject := range c.Dirty() {
		if err := c.SubjectChanged(ctx, subject); err != nil {
			c.logger.Warn("quiesce_subject_still_dirty",
				"subject", subject,
				"error", err)
		}
	}
	if remaining := c.Dirty(); len(remaining) > 0 {
		return kerrors.New(kerrors.ErrCodeSync,
			"index still diverges from store; stamp not written", nil).
			WithDetail("dirty_count", strconv.Itoa(len(remaining))).
			WithDetail("dirty_subjects", strings.Join(remaining, ", "))
	}

	rev, err := c.store.Revision(ctx)
	if err != nil {
		return err
	}
	if err := c.index.WriteStamp(store.Stamp{Revision: rev, UpdatedAt: time.Now().UTC()}); err != nil {
		return kerrors.IndexError("failed to write integrity stamp", err)
	}
	c.logger.Info("integrity_stamp_written", "revision", rev)
	return nil
}

func (c *Coordinator) markDirty(subject string) {
	c.mu.Lock()
	c.dirty[subject]++
	c.mu.Unlock()
}

func (c *Coordinator) clearDirty(subject string) {
	c.mu.Lock()
	delete(c.dirty, subject)
	c.mu.Unlock()
}

func (c *Coordinator) clearAllDirty() {
	c.mu.Lock()
	c.dirty = make(map[string]int)
	c.mu.Unlock()
}

func (c *Coordinator) notifyChanged(subjects []string) {
	if c.onChanged != nil && len(subjects) > 0 {
		c.onChanged(subjects)
	}
}

func stripeFor(subject string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return h.Sum32() % lockStripes
}
