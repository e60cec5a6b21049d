package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *BleveTextIndex {
	t.Helper()
	idx, err := NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func catDoc() *Document {
	return &Document{
		Subject: exCat,
		Fields: map[string][]string{
			"title": {"Cat"},
			"body":  {"A small domesticated feline"},
		},
	}
}

func TestBleveTextIndex_UpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, catDoc()))
	require.NoError(t, idx.Upsert(ctx, &Document{
		Subject: exDog,
		Fields:  map[string][]string{"title": {"Dog"}},
	}))

	hits, err := idx.Search(ctx, "feline", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, exCat, hits[0].Subject)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestBleveTextIndex_UpsertReplacesWholeDocument(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, catDoc()))

	// When: re-upserting with the body field gone
	require.NoError(t, idx.Upsert(ctx, &Document{
		Subject: exCat,
		Fields:  map[string][]string{"title": {"Cat"}},
	}))

	// Then: the old body no longer matches
	hits, err := idx.Search(ctx, "feline", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "cat", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestBleveTextIndex_Delete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, catDoc()))

	require.NoError(t, idx.Delete(ctx, exCat))

	hits, err := idx.Search(ctx, "cat", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Deleting an absent document is a no-op.
	assert.NoError(t, idx.Delete(ctx, exCat))
}

func TestBleveTextIndex_SearchEmptyQuery(t *testing.T) {
	idx := newTestIndex(t)

	hits, err := idx.Search(context.Background(), "   ", 10)

	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveTextIndex_SearchScoped(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.UpsertBatch(ctx, []*Document{
		catDoc(),
		{Subject: exDog, Fields: map[string][]string{"title": {"Cat dog"}}},
	}))

	// When: scoping the search to one candidate
	hits, err := idx.SearchScoped(ctx, "cat", []string{exDog})

	// Then: only the candidate ranks
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, exDog, hits[0].Subject)
}

func TestBleveTextIndex_AllSubjectsAndCount(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.UpsertBatch(ctx, []*Document{
		catDoc(),
		{Subject: exDog, Fields: map[string][]string{"title": {"Dog"}}},
	}))

	subjects, err := idx.AllSubjects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{exCat, exDog}, subjects)

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestBleveTextIndex_Stamp(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewBleveTextIndex(dir)
	require.NoError(t, err)

	// Absent stamp reads as nil.
	stamp, err := idx.ReadStamp()
	require.NoError(t, err)
	assert.Nil(t, stamp)

	want := Stamp{Revision: 42, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, idx.WriteStamp(want))
	require.NoError(t, idx.Close())

	// Stamp survives a reopen.
	idx2, err := NewBleveTextIndex(dir)
	require.NoError(t, err)
	defer idx2.Close()

	stamp, err = idx2.ReadStamp()
	require.NoError(t, err)
	require.NotNil(t, stamp)
	assert.Equal(t, uint64(42), stamp.Revision)
}

func TestBleveTextIndex_ResetClearsDocumentsAndStamp(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, catDoc()))
	require.NoError(t, idx.WriteStamp(Stamp{Revision: 7, UpdatedAt: time.Now()}))

	require.NoError(t, idx.Reset(ctx))

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	stamp, err := idx.ReadStamp()
	require.NoError(t, err)
	assert.Nil(t, stamp)
}
