package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
)

const (
	bleveDirName  = "bleve"
	stampFileName = "stamp.json"
)

// BleveTextIndex implements TextIndex on bleve. The index is a pure cache of
// the store: a corrupted index is cleared and rebuilt, never trusted.
type BleveTextIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	dir    string
	closed bool

	// memStamp backs ReadStamp/WriteStamp for in-memory test indexes, where
	// there is no directory to co-locate a stamp file with.
	memStamp *Stamp
}

// Verify interface implementation at compile time
var _ TextIndex = (*BleveTextIndex)(nil)

// validateIndexIntegrity checks if a bleve index is valid before opening.
// Returns nil if valid, an error describing the corruption if not.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func indexMapping() *mapping.IndexMappingImpl {
	// Dynamic default mapping: projection field names are configuration, so
	// the mapping cannot enumerate them. Every field is analyzed text and
	// feeds the composite _all field the match queries run against.
	return bleve.NewIndexMapping()
}

// NewBleveTextIndex opens or creates the text index under dir.
// If dir is empty, an in-memory index is created for testing. A corrupted
// on-disk index is cleared; the integrity checker rebuilds it afterwards
// because clearing also removes the stamp.
func NewBleveTextIndex(dir string) (*BleveTextIndex, error) {
	if dir == "" {
		idx, err := bleve.NewMemOnly(indexMapping())
		if err != nil {
			return nil, kerrors.IndexError("failed to create in-memory index", err)
		}
		return &BleveTextIndex{index: idx}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kerrors.IndexError(fmt.Sprintf("failed to create index directory %s", dir), err)
	}
	blevePath := filepath.Join(dir, bleveDirName)

	if validErr := validateIndexIntegrity(blevePath); validErr != nil {
		slog.Warn("text_index_corrupted",
			slog.String("path", blevePath),
			slog.String("error", validErr.Error()))
		if err := clearIndexDir(dir); err != nil {
			return nil, kerrors.IndexError("text index corrupted and cannot be cleared", err)
		}
		slog.Info("text_index_cleared", slog.String("path", blevePath))
	}

	idx, err := bleve.Open(blevePath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(blevePath, indexMapping())
	} else if err != nil && isCorruptionError(err) {
		slog.Warn("text_index_open_failed",
			slog.String("path", blevePath),
			slog.String("error", err.Error()))
		if clearErr := clearIndexDir(dir); clearErr != nil {
			return nil, kerrors.IndexError("text index corrupted and cannot be cleared", clearErr)
		}
		slog.Info("text_index_cleared", slog.String("path", blevePath))
		idx, err = bleve.New(blevePath, indexMapping())
	}
	if err != nil {
		return nil, kerrors.IndexError("failed to open text index", err)
	}

	return &BleveTextIndex{index: idx, dir: dir}, nil
}

// clearIndexDir removes the bleve index and the stamp together. The stamp
// must never outlive the index contents it vouches for.
func clearIndexDir(dir string) error {
	if err := os.RemoveAll(filepath.Join(dir, bleveDirName)); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, stampFileName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// bleveDoc converts a Document into the shape bleve indexes. Single values
// index as plain strings, repeated values as multi-valued fields.
func bleveDoc(doc *Document) map[string]interface{} {
	out := make(map[string]interface{}, len(doc.Fields))
	for name, vals := range doc.Fields {
		if len(vals) == 1 {
			out[name] = vals[0]
		} else {
			out[name] = vals
		}
	}
	return out
}

// Upsert fully replaces the document for its subject.
func (b *BleveTextIndex) Upsert(ctx context.Context, doc *Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return kerrors.IndexError("index is closed", nil)
	}
	if err := b.index.Index(doc.Subject, bleveDoc(doc)); err != nil {
		return kerrors.IndexError(fmt.Sprintf("failed to index document %s", doc.Subject), err)
	}
	return nil
}

// UpsertBatch indexes many documents in one batch.
func (b *BleveTextIndex) UpsertBatch(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return kerrors.IndexError("index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.Subject, bleveDoc(doc)); err != nil {
			return kerrors.IndexError(fmt.Sprintf("failed to batch document %s", doc.Subject), err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return kerrors.IndexError("failed to execute index batch", err)
	}
	return nil
}

// Delete removes the document for subject. Absent documents are a no-op.
func (b *BleveTextIndex) Delete(ctx context.Context, subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return kerrors.IndexError("index is closed", nil)
	}
	if err := b.index.Delete(subject); err != nil {
		return kerrors.IndexError(fmt.Sprintf("failed to delete document %s", subject), err)
	}
	return nil
}

// Search returns subjects ranked by relevance.
func (b *BleveTextIndex) Search(ctx context.Context, queryStr string, limit int) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, kerrors.IndexError("index is closed", nil)
	}
	if strings.TrimSpace(queryStr) == "" {
		return []Hit{}, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(queryStr))
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kerrors.IndexError("text search failed", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, Hit{Subject: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// SearchScoped ranks only the given candidate subjects.
func (b *BleveTextIndex) SearchScoped(ctx context.Context, queryStr string, subjects []string) ([]Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, kerrors.IndexError("index is closed", nil)
	}
	if len(subjects) == 0 || strings.TrimSpace(queryStr) == "" {
		return []Hit{}, nil
	}

	scoped := bleve.NewConjunctionQuery(
		bleve.NewMatchQuery(queryStr),
		bleve.NewDocIDQuery(subjects),
	)
	req := bleve.NewSearchRequest(scoped)
	req.Size = len(subjects)

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kerrors.IndexError("scoped text search failed", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, Hit{Subject: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// AllSubjects returns every indexed subject IRI.
// Used by the consistency tests and the status endpoint.
func (b *BleveTextIndex) AllSubjects() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, kerrors.IndexError("index is closed", nil)
	}

	docCount, err := b.index.DocCount()
	if err != nil {
		return nil, kerrors.IndexError("failed to count documents", err)
	}
	if docCount == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)

	result, err := b.index.Search(req)
	if err != nil {
		return nil, kerrors.IndexError("failed to list document ids", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (b *BleveTextIndex) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, kerrors.IndexError("index is closed", nil)
	}
	return b.index.DocCount()
}

// Reset removes all documents and the stamp.
func (b *BleveTextIndex) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return kerrors.IndexError("index is closed", nil)
	}

	// In-memory indexes delete document by document; on-disk indexes are
	// recreated from scratch, which also drops the stamp.
	if b.dir == "" {
		ids, err := b.allSubjectsLocked()
		if err != nil {
			return err
		}
		batch := b.index.NewBatch()
		for _, id := range ids {
			batch.Delete(id)
		}
		if err := b.index.Batch(batch); err != nil {
			return kerrors.IndexError("failed to clear in-memory index", err)
		}
		b.memStamp = nil
		return nil
	}

	if err := b.index.Close(); err != nil {
		return kerrors.IndexError("failed to close index for reset", err)
	}
	if err := clearIndexDir(b.dir); err != nil {
		return kerrors.IndexError("failed to clear index directory", err)
	}
	idx, err := bleve.New(filepath.Join(b.dir, bleveDirName), indexMapping())
	if err != nil {
		return kerrors.IndexError("failed to recreate index", err)
	}
	b.index = idx
	return nil
}

func (b *BleveTextIndex) allSubjectsLocked() ([]string, error) {
	docCount, err := b.index.DocCount()
	if err != nil {
		return nil, kerrors.IndexError("failed to count documents", err)
	}
	if docCount == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	result, err := b.index.Search(req)
	if err != nil {
		return nil, kerrors.IndexError("failed to list document ids", err)
	}
	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// ReadStamp returns the persisted integrity stamp, or nil when absent.
func (b *BleveTextIndex) ReadStamp() (*Stamp, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dir == "" {
		return b.memStamp, nil
	}

	data, err := os.ReadFile(filepath.Join(b.dir, stampFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.IndexError("failed to read stamp", err)
	}
	var stamp Stamp
	if err := json.Unmarshal(data, &stamp); err != nil {
		// An unreadable stamp means "rebuild required", same as an absent one.
		slog.Warn("stamp_unreadable", slog.String("error", err.Error()))
		return nil, nil
	}
	return &stamp, nil
}

// WriteStamp persists the stamp atomically (write to temp file, rename).
func (b *BleveTextIndex) WriteStamp(stamp Stamp) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dir == "" {
		s := stamp
		b.memStamp = &s
		return nil
	}

	data, err := json.Marshal(stamp)
	if err != nil {
		return kerrors.IndexError("failed to marshal stamp", err)
	}
	tmp := filepath.Join(b.dir, stampFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return kerrors.IndexError("failed to write stamp", err)
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, stampFileName)); err != nil {
		return kerrors.IndexError("failed to commit stamp", err)
	}
	return nil
}

// Close closes the underlying index.
func (b *BleveTextIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
