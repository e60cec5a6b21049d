// Package store provides the two persistence adapters: the SQLite-backed
// triple store (authoritative) and the bleve-backed text index (derived,
// rebuildable), plus the integrity stamp persisted alongside the index.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/kos-kit/kos-kit-server/internal/rdf"
)

// PatternQuery is a triple pattern. Empty string / nil components are
// wildcards. This is the store's whole pattern-matching capability; a general
// graph query language is out of scope.
type PatternQuery struct {
	Subject   string
	Predicate string
	// Object matches the object term exactly when non-nil.
	Object *rdf.Term
	// Lang filters literal objects by language tag when non-empty. Ignored
	// when Object is set.
	Lang string
}

// MutationResult reports a committed store mutation.
type MutationResult struct {
	// Added and Removed count the triples that actually changed; duplicate
	// adds and missing removes are no-ops.
	Added   int
	Removed int

	// Revision is the store revision after the commit. Unchanged when the
	// whole batch was a no-op.
	Revision uint64

	// Subjects are the subject IRIs whose triple set actually changed.
	Subjects []string
}

// TripleStore is the Store Adapter: the durable, authoritative triple set.
type TripleStore interface {
	// Mutate applies removals then additions in one transaction. A triple is
	// immutable once written: changing a fact is remove-then-add. An error
	// aborts the whole batch; partial writes are never visible.
	Mutate(ctx context.Context, adds, removes []rdf.Triple) (*MutationResult, error)

	// SubjectTriples returns the full triple set of one subject. Always a
	// fresh read; the synchronization layer depends on that.
	SubjectTriples(ctx context.Context, subject string) ([]rdf.Triple, error)

	// Pattern returns triples matching the pattern in insertion order,
	// capped at limit (0 means no cap).
	Pattern(ctx context.Context, q PatternQuery, limit int) ([]rdf.Triple, error)

	// Subjects returns all distinct subject IRIs, sorted, for rebuilds.
	Subjects(ctx context.Context) ([]string, error)

	// Revision returns the store's monotonically increasing revision
	// counter, bumped on every committed mutation batch that changed data.
	Revision(ctx context.Context) (uint64, error)

	Count(ctx context.Context) (int64, error)
	IsEmpty(ctx context.Context) (bool, error)

	// Reset removes all triples and resets the revision counter.
	Reset(ctx context.Context) error

	Close() error
}

// Document is an index entry keyed by subject IRI, the join key between the
// two stores. It contains nothing not derivable from the subject's triples.
type Document struct {
	Subject string
	// Fields maps field name to values. With the concat policy every field
	// has exactly one value; with the multi policy values keep the
	// projection's deterministic order.
	Fields map[string][]string
}

// Equal reports field-for-field equality. Used by the rebuild idempotence
// check.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Subject != o.Subject || len(d.Fields) != len(o.Fields) {
		return false
	}
	for name, vals := range d.Fields {
		ovals, ok := o.Fields[name]
		if !ok || len(vals) != len(ovals) {
			return false
		}
		for i := range vals {
			if vals[i] != ovals[i] {
				return false
			}
		}
	}
	return true
}

// FieldNames returns the document's field names, sorted.
func (d *Document) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hit is a ranked text search result.
type Hit struct {
	Subject string  `json:"subject"`
	Score   float64 `json:"score"`
}

// Stamp is the integrity marker persisted next to the index. A stamp whose
// Revision equals the store's revision means the index is fully synchronized;
// anything else means "rebuild required", never "assume consistent".
type Stamp struct {
	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TextIndex is the Index Adapter: the derived, rebuildable document index.
type TextIndex interface {
	// Upsert fully replaces the document for its subject. Full replace, not
	// field merge: a prior projection shape must not leak stale fields.
	Upsert(ctx context.Context, doc *Document) error

	// UpsertBatch indexes many documents in one batch, for rebuilds.
	UpsertBatch(ctx context.Context, docs []*Document) error

	// Delete removes the document for subject. Deleting an absent document
	// is a no-op.
	Delete(ctx context.Context, subject string) error

	// Search returns subjects ranked by relevance.
	Search(ctx context.Context, query string, limit int) ([]Hit, error)

	// SearchScoped ranks only the given candidate subjects.
	SearchScoped(ctx context.Context, query string, subjects []string) ([]Hit, error)

	// AllSubjects returns every indexed subject IRI.
	AllSubjects() ([]string, error)

	Count() (uint64, error)

	// Reset removes all documents and the stamp.
	Reset(ctx context.Context) error

	// ReadStamp returns the persisted stamp, or nil when absent.
	ReadStamp() (*Stamp, error)

	// WriteStamp persists the stamp atomically.
	WriteStamp(Stamp) error

	Close() error
}
