package index

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kos-kit/kos-kit-server/internal/config"
	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/projection"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

const (
	exCat     = "http://example.com/Cat"
	exDog     = "http://example.com/Dog"
	prefLabel = config.SKOSPrefLabel
)

// flakyIndex wraps a real in-memory index and fails writes on demand.
type flakyIndex struct {
	store.TextIndex

	mu    sync.Mutex
	fail  bool
	failN int // fail this many more writes, then recover
}

func (f *flakyIndex) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyIndex) setFailTimes(n int) {
	f.mu.Lock()
	f.failN = n
	f.mu.Unlock()
}

func (f *flakyIndex) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return true
	}
	if f.failN > 0 {
		f.failN--
		return true
	}
	return false
}

func (f *flakyIndex) Upsert(ctx context.Context, doc *store.Document) error {
	if f.failing() {
		return errors.New("disk full")
	}
	return f.TextIndex.Upsert(ctx, doc)
}

func (f *flakyIndex) Delete(ctx context.Context, subject string) error {
	if f.failing() {
		return errors.New("disk full")
	}
	return f.TextIndex.Delete(ctx, subject)
}

type fixture struct {
	store *store.SQLiteTripleStore
	index *flakyIndex
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts, err := store.NewSQLiteTripleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	ti, err := store.NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ti.Close() })

	flaky := &flakyIndex{TextIndex: ti}
	cfg := config.Default()
	engine := projection.New(cfg.Projection)
	coord := NewCoordinator(ts, flaky, engine, cfg.Sync, slog.Default())
	return &fixture{store: ts, index: flaky, coord: coord}
}

func lit(v, lang string) rdf.Term { return rdf.NewLiteral(v, lang) }

func catLabel(value string) rdf.Triple {
	return rdf.Triple{Subject: exCat, Predicate: prefLabel, Object: lit(value, "en")}
}

func searchSubjects(t *testing.T, idx store.TextIndex, query string) []string {
	t.Helper()
	hits, err := idx.Search(context.Background(), query, 10)
	require.NoError(t, err)
	subjects := make([]string, 0, len(hits))
	for _, h := range hits {
		subjects = append(subjects, h.Subject)
	}
	return subjects
}

func TestCoordinator_ApplySyncsIndex(t *testing.T) {
	// Given: an empty store and index
	f := newFixture(t)
	ctx := context.Background()

	// When: applying a mutation
	res, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)

	// Then: the store committed and the index is searchable
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
	assert.Empty(t, f.coord.Dirty())
}

func TestCoordinator_RemovingLastTripleDeletesDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	triple := catLabel("Cat")
	_, err := f.coord.Apply(ctx, []rdf.Triple{triple}, nil)
	require.NoError(t, err)

	// When: removing the subject's only indexable triple
	_, err = f.coord.Apply(ctx, nil, []rdf.Triple{triple})

	// Then: the document is gone, not emptied
	require.NoError(t, err)
	assert.Empty(t, searchSubjects(t, f.index, "cat"))
	n, err := f.index.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_ReAddingLastTripleRecreatesDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	triple := catLabel("Cat")

	_, err := f.coord.Apply(ctx, []rdf.Triple{triple}, nil)
	require.NoError(t, err)
	_, err = f.coord.Apply(ctx, nil, []rdf.Triple{triple})
	require.NoError(t, err)
	require.Empty(t, searchSubjects(t, f.index, "cat"))

	// When: re-adding the triple
	_, err = f.coord.Apply(ctx, []rdf.Triple{triple}, nil)

	// Then: the document comes back
	require.NoError(t, err)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
}

func TestCoordinator_LanguageFallbackAfterRemoval(t *testing.T) {
	// Given: a subject labeled in English and French, preferring English
	f := newFixture(t)
	ctx := context.Background()
	en := rdf.Triple{Subject: exCat, Predicate: prefLabel, Object: lit("Cat", "en")}
	fr := rdf.Triple{Subject: exCat, Predicate: prefLabel, Object: lit("Chat", "fr")}
	_, err := f.coord.Apply(ctx, []rdf.Triple{en, fr}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
	assert.Empty(t, searchSubjects(t, f.index, "chat"))

	// When: removing the English label
	_, err = f.coord.Apply(ctx, nil, []rdf.Triple{en})

	// Then: the title falls back to the French value
	require.NoError(t, err)
	assert.Empty(t, searchSubjects(t, f.index, "cat"))
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "chat"))
}

func TestCoordinator_IndexFailureDoesNotFailMutation(t *testing.T) {
	// Given: an index that rejects writes
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)

	// When: applying a mutation
	res, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)

	// Then: the store commit succeeds and the divergence is recorded
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, []string{exCat}, f.coord.Dirty())

	count, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCoordinator_RetryDrainsDirtySet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.coord.Dirty())

	// When: the index recovers and a retry pass runs
	f.index.setFail(false)
	retried, failed := f.coord.retryDirty(ctx)

	// Then: the subject converges on the store's current state
	assert.Equal(t, 1, retried)
	assert.Zero(t, failed)
	assert.Empty(t, f.coord.Dirty())
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
}

func TestCoordinator_RetryBacksOffUntilIndexRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.coord.Dirty())

	// When: the retry pass hits one more transient failure before the
	// index recovers
	f.coord.retryCfg = kerrors.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
	f.index.setFail(false)
	f.index.setFailTimes(1)
	retried, failed := f.coord.retryDirty(ctx)

	// Then: the backoff absorbs the transient failure within one pass
	assert.Equal(t, 1, retried)
	assert.Zero(t, failed)
	assert.Empty(t, f.coord.Dirty())
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
}

func TestCoordinator_SubjectChangedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)

	// When: re-syncing the same subject repeatedly
	require.NoError(t, f.coord.SubjectChanged(ctx, exCat))
	require.NoError(t, f.coord.SubjectChanged(ctx, exCat))

	// Then: exactly one document exists
	n, err := f.index.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestCoordinator_OnChangedHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var notified []string
	f.coord.SetOnChanged(func(subjects []string) {
		mu.Lock()
		notified = append(notified, subjects...)
		mu.Unlock()
	})

	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{exCat}, notified)
}

func TestCoordinator_OnChangedHookFiresWhenSyncDeferred(t *testing.T) {
	// Given: an index that rejects writes
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)

	var mu sync.Mutex
	var notified []string
	f.coord.SetOnChanged(func(subjects []string) {
		mu.Lock()
		notified = append(notified, subjects...)
		mu.Unlock()
	})

	// When: a mutation commits but its index sync fails
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{exCat}, f.coord.Dirty())

	// Then: the hook still sees the subject; the store commit already
	// happened, so any cached record of it is stale
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{exCat}, notified)
}

func TestCoordinator_QuiesceWritesStamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.Quiesce(ctx))

	stamp, err := f.index.ReadStamp()
	require.NoError(t, err)
	require.NotNil(t, stamp)
	rev, err := f.store.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, stamp.Revision)
}

func TestCoordinator_QuiesceRefusesStampWhileDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)
	_, err := f.coord.Apply(ctx, []rdf.Triple{
		catLabel("Cat"),
		{Subject: exDog, Predicate: prefLabel, Object: lit("Dog", "en")},
	}, nil)
	require.NoError(t, err)

	// When: quiescing while the index still rejects writes
	err = f.coord.Quiesce(ctx)

	// Then: no stamp is written and the error names every dirty subject
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeSync, kerrors.GetCode(err))
	var ke *kerrors.KosError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "2", ke.Details["dirty_count"])
	assert.Contains(t, ke.Details["dirty_subjects"], exCat)
	assert.Contains(t, ke.Details["dirty_subjects"], exDog)
	stamp, serr := f.index.ReadStamp()
	require.NoError(t, serr)
	assert.Nil(t, stamp)
}

func TestCoordinator_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.coord.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	f.coord.Stop()
}

func TestRebuildAll_RestoresConsistency(t *testing.T) {
	// Given: a store whose index diverged
	f := newFixture(t)
	ctx := context.Background()
	f.index.setFail(true)
	_, err := f.coord.Apply(ctx, []rdf.Triple{
		catLabel("Cat"),
		{Subject: exDog, Predicate: prefLabel, Object: lit("Dog", "en")},
	}, nil)
	require.NoError(t, err)
	require.Len(t, f.coord.Dirty(), 2)

	// When: rebuilding
	f.index.setFail(false)
	require.NoError(t, f.coord.RebuildAll(ctx, 1))

	// Then: index matches the projection of the store, dirty set cleared
	assert.Empty(t, f.coord.Dirty())
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
	assert.Equal(t, []string{exDog}, searchSubjects(t, f.index, "dog"))

	stamp, err := f.index.ReadStamp()
	require.NoError(t, err)
	require.NotNil(t, stamp)
	rev, err := f.store.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, stamp.Revision)
}

func TestRebuildAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.RebuildAll(ctx, 100))
	n1, err := f.index.Count()
	require.NoError(t, err)

	require.NoError(t, f.coord.RebuildAll(ctx, 100))
	n2, err := f.index.Count()
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
}

func TestRebuildAll_MatchesIncrementalSync(t *testing.T) {
	// Given: an index produced purely by incremental sync
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.Apply(ctx, []rdf.Triple{
		catLabel("Cat"),
		{Subject: exCat, Predicate: config.SKOSDefinition, Object: lit("A small feline", "en")},
		{Subject: exDog, Predicate: prefLabel, Object: lit("Dog", "en")},
	}, nil)
	require.NoError(t, err)

	incSubjects, err := f.index.AllSubjects()
	require.NoError(t, err)
	incCat := searchSubjects(t, f.index, "feline")
	incDog := searchSubjects(t, f.index, "dog")

	// When: rebuilding from scratch
	require.NoError(t, f.coord.RebuildAll(ctx, 100))

	// Then: the rebuilt index answers identically
	rebuilt, err := f.index.AllSubjects()
	require.NoError(t, err)
	assert.ElementsMatch(t, incSubjects, rebuilt)
	assert.Equal(t, incCat, searchSubjects(t, f.index, "feline"))
	assert.Equal(t, incDog, searchSubjects(t, f.index, "dog"))
}

func TestVerifyOrRebuild(t *testing.T) {
	t.Run("matching stamp skips rebuild", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
		require.NoError(t, err)
		require.NoError(t, f.coord.Quiesce(ctx))

		rebuilt, err := f.coord.VerifyOrRebuild(ctx, 100)

		require.NoError(t, err)
		assert.False(t, rebuilt)
	})

	t.Run("missing stamp forces rebuild", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.store.Mutate(ctx, []rdf.Triple{catLabel("Cat")}, nil)
		require.NoError(t, err)

		rebuilt, err := f.coord.VerifyOrRebuild(ctx, 100)

		require.NoError(t, err)
		assert.True(t, rebuilt)
		assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
	})

	t.Run("stale stamp forces rebuild", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.coord.Apply(ctx, []rdf.Triple{catLabel("Cat")}, nil)
		require.NoError(t, err)
		require.NoError(t, f.index.WriteStamp(store.Stamp{Revision: 999, UpdatedAt: time.Now()}))

		rebuilt, err := f.coord.VerifyOrRebuild(ctx, 100)

		require.NoError(t, err)
		assert.True(t, rebuilt)
	})
}
