package index

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
)

const catDump = `<http://example.com/Cat> <http://www.w3.org/2004/02/skos/core#prefLabel> "Cat"@en .
<http://example.com/Cat> <http://www.w3.org/2004/02/skos/core#definition> "A small feline"@en .
`

const dogDump = `<http://example.com/Dog> <http://www.w3.org/2004/02/skos/core#prefLabel> "Dog"@en .
`

func writeDump(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzipDump(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLoadInit_SingleFile(t *testing.T) {
	// Given: an empty store and one dump file
	f := newFixture(t)
	loader := NewLoader(f.coord, 1, nil)
	path := writeDump(t, t.TempDir(), "cats.nt", catDump)

	// When: bulk loading
	report, err := loader.LoadInit(context.Background(), path, false)

	// Then: store loaded, index rebuilt and stamped
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 2, report.Triples)
	assert.Equal(t, 1, report.Subjects)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "feline"))

	stamp, err := f.index.ReadStamp()
	require.NoError(t, err)
	require.NotNil(t, stamp)
	assert.Equal(t, report.Revision, stamp.Revision)
}

func TestLoadInit_DirectoryWithGzip(t *testing.T) {
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)
	dir := t.TempDir()
	writeDump(t, dir, "cats.nt", catDump)
	writeGzipDump(t, dir, "dogs.nt.gz", dogDump)
	writeDump(t, dir, "ignored.txt", "not a dump")

	report, err := loader.LoadInit(context.Background(), dir, false)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 3, report.Triples)
	assert.Equal(t, 2, report.Subjects)
	assert.Equal(t, []string{exDog}, searchSubjects(t, f.index, "dog"))
}

func TestLoadInit_RejectsNonEmptyStore(t *testing.T) {
	// Given: a store that already has data
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)
	_, err := f.coord.Apply(context.Background(), []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	path := writeDump(t, t.TempDir(), "dogs.nt", dogDump)

	// When: loading without reset
	_, err = loader.LoadInit(context.Background(), path, false)

	// Then: refused, existing data untouched
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeStoreNotEmpty, kerrors.GetCode(err))
	count, cerr := f.store.Count(context.Background())
	require.NoError(t, cerr)
	assert.Equal(t, int64(1), count)
}

func TestLoadInit_ResetReplacesStore(t *testing.T) {
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)
	_, err := f.coord.Apply(context.Background(), []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	path := writeDump(t, t.TempDir(), "dogs.nt", dogDump)

	// When: loading with reset
	report, err := loader.LoadInit(context.Background(), path, true)

	// Then: only the dump's data remains, in store and index alike
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triples)
	assert.Empty(t, searchSubjects(t, f.index, "cat"))
	assert.Equal(t, []string{exDog}, searchSubjects(t, f.index, "dog"))
}

func TestLoadInit_ParseErrorLeavesStoreUntouched(t *testing.T) {
	// Given: a directory where one file is malformed
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)
	dir := t.TempDir()
	writeDump(t, dir, "good.nt", catDump)
	writeDump(t, dir, "bad.nt", "<http://example.com/X> broken .\n")

	// When: loading
	_, err := loader.LoadInit(context.Background(), dir, false)

	// Then: aborted before any triple reached the store
	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeParse, kerrors.GetCode(err))
	empty, serr := f.store.IsEmpty(context.Background())
	require.NoError(t, serr)
	assert.True(t, empty)
}

func TestLoadInit_MissingPath(t *testing.T) {
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)

	_, err := loader.LoadInit(context.Background(), filepath.Join(t.TempDir(), "nope.nt"), false)

	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeParse, kerrors.GetCode(err))
}

func TestLoadInit_EmptyDirectory(t *testing.T) {
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)

	_, err := loader.LoadInit(context.Background(), t.TempDir(), false)

	require.Error(t, err)
	assert.Equal(t, kerrors.ErrCodeParse, kerrors.GetCode(err))
}

func TestApplyFile_IncrementalDelta(t *testing.T) {
	// Given: a store already serving data
	f := newFixture(t)
	loader := NewLoader(f.coord, 100, nil)
	_, err := f.coord.Apply(context.Background(), []rdf.Triple{catLabel("Cat")}, nil)
	require.NoError(t, err)
	path := writeDump(t, t.TempDir(), "dogs.nt", dogDump)

	// When: applying a new dump file as a delta
	n, err := loader.ApplyFile(context.Background(), path)

	// Then: old and new data coexist
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{exCat}, searchSubjects(t, f.index, "cat"))
	assert.Equal(t, []string{exDog}, searchSubjects(t, f.index, "dog"))
}
