// Package query is the read surface over the two stores: graph pattern
// queries, ranked text queries, and the joint forms that cross the subject
// IRI join key.
package query

import (
	"context"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kos-kit/kos-kit-server/internal/config"
	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// JointResult is a text hit resolved to its authoritative triple set.
type JointResult struct {
	Subject string       `json:"subject"`
	Score   float64      `json:"score"`
	Triples []rdf.Triple `json:"triples"`
}

// Gateway serves all queries. Strictly read-only: nothing here ever mutates
// either store, so queries are safe under any concurrency.
type Gateway struct {
	store  store.TripleStore
	index  store.TextIndex
	cfg    config.QueryConfig
	logger *slog.Logger

	// cache holds subject triple sets for joint queries. Entries are
	// invalidated by the coordinator's post-sync hook, so a cached record is
	// never staler than the index entry that ranked it.
	cache *lru.Cache[string, []rdf.Triple]
}

// NewGateway builds the gateway with its subject-record cache.
func NewGateway(ts store.TripleStore, ti store.TextIndex, cfg config.QueryConfig, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.SubjectCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []rdf.Triple](size)
	if err != nil {
		return nil, err
	}
	return &Gateway{store: ts, index: ti, cfg: cfg, logger: logger, cache: cache}, nil
}

// Invalidate drops the cached records of the given subjects. Wired to the
// coordinator's post-sync hook.
func (g *Gateway) Invalidate(subjects []string) {
	for _, s := range subjects {
		g.cache.Remove(s)
	}
}

// Graph runs a triple pattern query against the store.
func (g *Gateway) Graph(ctx context.Context, q store.PatternQuery, limit int) ([]rdf.Triple, error) {
	triples, err := g.store.Pattern(ctx, q, g.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if triples == nil {
		triples = []rdf.Triple{}
	}
	return triples, nil
}

// Text runs a ranked full-text query against the index.
func (g *Gateway) Text(ctx context.Context, q string, limit int) ([]store.Hit, error) {
	if err := g.validateText(q); err != nil {
		return nil, err
	}
	return g.index.Search(ctx, q, g.clampLimit(limit))
}

// Joint runs a text query and resolves each hit to its full triple set.
// Results keep the text rank order; that is the contract, not an accident of
// iteration. A hit whose subject has no triples anymore is dropped silently:
// the index is allowed to lag the store by bounded staleness, and a vanished
// subject is that lag showing.
func (g *Gateway) Joint(ctx context.Context, q string, limit int) ([]JointResult, error) {
	hits, err := g.Text(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	results := make([]JointResult, 0, len(hits))
	for _, hit := range hits {
		triples, err := g.subjectTriples(ctx, hit.Subject)
		if err != nil {
			return nil, err
		}
		if len(triples) == 0 {
			g.logger.Debug("stale_hit_dropped", "subject", hit.Subject)
			continue
		}
		results = append(results, JointResult{
			Subject: hit.Subject,
			Score:   hit.Score,
			Triples: triples,
		})
	}
	return results, nil
}

// Filter is the graph-driven joint form: the pattern yields candidate
// subjects in graph order, and the text query keeps and annotates the ones
// that match. Candidate order, not text rank, is the primary sort key here.
func (g *Gateway) Filter(ctx context.Context, pq store.PatternQuery, q string, limit int) ([]store.Hit, error) {
	if err := g.validateText(q); err != nil {
		return nil, err
	}
	limit = g.clampLimit(limit)

	triples, err := g.store.Pattern(ctx, pq, 0)
	if err != nil {
		return nil, err
	}
	candidates := rdf.Subjects(triples)
	if len(candidates) == 0 {
		return []store.Hit{}, nil
	}

	hits, err := g.index.SearchScoped(ctx, q, candidates)
	if err != nil {
		return nil, err
	}
	scoreFor := make(map[string]float64, len(hits))
	for _, h := range hits {
		scoreFor[h.Subject] = h.Score
	}

	results := make([]store.Hit, 0, min(limit, len(hits)))
	for _, subject := range candidates {
		score, ok := scoreFor[subject]
		if !ok {
			continue
		}
		results = append(results, store.Hit{Subject: subject, Score: score})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// subjectTriples reads a subject's record through the LRU cache.
func (g *Gateway) subjectTriples(ctx context.Context, subject string) ([]rdf.Triple, error) {
	if triples, ok := g.cache.Get(subject); ok {
		return triples, nil
	}
	triples, err := g.store.SubjectTriples(ctx, subject)
	if err != nil {
		return nil, err
	}
	g.cache.Add(subject, triples)
	return triples, nil
}

func (g *Gateway) clampLimit(limit int) int {
	if limit <= 0 {
		return g.cfg.DefaultLimit
	}
	if g.cfg.MaxLimit > 0 && limit > g.cfg.MaxLimit {
		return g.cfg.MaxLimit
	}
	return limit
}

func (g *Gateway) validateText(q string) error {
	if strings.TrimSpace(q) == "" {
		return kerrors.QueryError("text query must not be empty")
	}
	if g.cfg.MaxQueryLen > 0 && len(q) > g.cfg.MaxQueryLen {
		return kerrors.New(kerrors.ErrCodeQueryTooLong,
			"text query exceeds maximum length", nil)
	}
	return nil
}
