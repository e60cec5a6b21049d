package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// Wire DTOs. The rdf types stay transport-agnostic; the JSON shape is owned
// here.

type termJSON struct {
	Kind  string `json:"kind"` // "iri" or "literal"
	Value string `json:"value"`
	Lang  string `json:"lang,omitempty"`
}

type tripleJSON struct {
	Subject   string   `json:"subject"`
	Predicate string   `json:"predicate"`
	Object    termJSON `json:"object"`
}

type jointJSON struct {
	Subject string       `json:"subject"`
	Score   float64      `json:"score"`
	Triples []tripleJSON `json:"triples"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toTermJSON(t rdf.Term) termJSON {
	kind := "literal"
	if t.IsIRI() {
		kind = "iri"
	}
	return termJSON{Kind: kind, Value: t.Value, Lang: t.Lang}
}

func toTripleJSON(ts []rdf.Triple) []tripleJSON {
	out := make([]tripleJSON, len(ts))
	for i, t := range ts {
		out[i] = tripleJSON{Subject: t.Subject, Predicate: t.Predicate, Object: toTermJSON(t.Object)}
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGraph serves triple pattern queries. The o parameter takes N-Triples
// term syntax: <iri>, "literal", "literal"@lang, or a bare string treated as
// a literal value.
func (s *Server) handleGraph(c *gin.Context) {
	pq := store.PatternQuery{
		Subject:   c.Query("s"),
		Predicate: c.Query("p"),
		Lang:      strings.ToLower(c.Query("lang")),
	}
	if o := c.Query("o"); o != "" {
		term, err := parseTermParam(o)
		if err != nil {
			s.writeError(c, kerrors.QueryError(err.Error()))
			return
		}
		pq.Object = &term
	}
	limit, err := limitParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	triples, err := s.gateway.Graph(c.Request.Context(), pq, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"triples": toTripleJSON(triples),
		"count":   len(triples),
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	hits, err := s.gateway.Text(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits, "count": len(hits)})
}

func (s *Server) handleJoint(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	results, err := s.gateway.Joint(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]jointJSON, len(results))
	for i, r := range results {
		out[i] = jointJSON{Subject: r.Subject, Score: r.Score, Triples: toTripleJSON(r.Triples)}
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "count": len(out)})
}

// filterRequest is the POST /api/filter body.
type filterRequest struct {
	Subject   string `json:"s"`
	Predicate string `json:"p"`
	Object    string `json:"o"`
	Lang      string `json:"lang"`
	Query     string `json:"q"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, kerrors.QueryError("invalid filter request: "+err.Error()))
		return
	}
	pq := store.PatternQuery{
		Subject:   req.Subject,
		Predicate: req.Predicate,
		Lang:      strings.ToLower(req.Lang),
	}
	if req.Object != "" {
		term, err := parseTermParam(req.Object)
		if err != nil {
			s.writeError(c, kerrors.QueryError(err.Error()))
			return
		}
		pq.Object = &term
	}

	hits, err := s.gateway.Filter(c.Request.Context(), pq, req.Query, req.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits, "count": len(hits)})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	tripleCount, err := s.store.Count(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	revision, err := s.store.Revision(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	docCount, err := s.index.Count()
	if err != nil {
		s.writeError(c, err)
		return
	}
	stamp, err := s.index.ReadStamp()
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"triples":        tripleCount,
		"documents":      docCount,
		"revision":       revision,
		"stamp":          stamp,
		"dirty_subjects": s.coord.Dirty(),
		"read_only":      s.cfg.ReadOnly,
	})
}

// handleAddTriples parses an N-Triples body and applies it as additions.
func (s *Server) handleAddTriples(c *gin.Context) {
	s.handleMutation(c, true)
}

// handleRemoveTriples parses an N-Triples body and applies it as removals.
func (s *Server) handleRemoveTriples(c *gin.Context) {
	s.handleMutation(c, false)
}

func (s *Server) handleMutation(c *gin.Context, add bool) {
	triples, err := rdf.ParseNTriples(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, errorJSON{
				Code:    kerrors.ErrCodeQueryTooLong,
				Message: "request body too large",
			})
			return
		}
		s.writeError(c, kerrors.Wrap(kerrors.ErrCodeParse, err))
		return
	}
	if len(triples) == 0 {
		s.writeError(c, kerrors.QueryError("request body contains no triples"))
		return
	}

	var res *store.MutationResult
	if add {
		res, err = s.coord.Apply(c.Request.Context(), triples, nil)
	} else {
		res, err = s.coord.Apply(c.Request.Context(), nil, triples)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"added":    res.Added,
		"removed":  res.Removed,
		"revision": res.Revision,
		"subjects": res.Subjects,
	})
}

// writeError maps error taxonomy to HTTP status. Caller errors are 4xx,
// store/index faults are 5xx; nothing else leaks internals.
func (s *Server) writeError(c *gin.Context, err error) {
	code := kerrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case kerrors.ErrCodeQuerySyntax, kerrors.ErrCodeParse:
		status = http.StatusBadRequest
	case kerrors.ErrCodeQueryTooLong:
		status = http.StatusRequestEntityTooLarge
	case kerrors.ErrCodeStoreNotEmpty:
		status = http.StatusConflict
	case "":
		code = kerrors.ErrCodeInternal
	}

	if status >= 500 {
		s.logger.Error("request_failed",
			"request_id", c.GetString("request_id"),
			"code", code,
			"error", err)
	}
	c.JSON(status, errorJSON{Code: code, Message: err.Error()})
}

// parseTermParam parses an object term in N-Triples-ish syntax.
func parseTermParam(s string) (rdf.Term, error) {
	switch {
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">"):
		iri := s[1 : len(s)-1]
		if iri == "" {
			return rdf.Term{}, fmt.Errorf("empty IRI in object term")
		}
		return rdf.NewIRITerm(iri), nil
	case strings.HasPrefix(s, `"`):
		end := strings.LastIndex(s, `"`)
		if end == 0 {
			return rdf.Term{}, fmt.Errorf("unterminated literal in object term")
		}
		value := s[1:end]
		lang := ""
		if rest := s[end+1:]; strings.HasPrefix(rest, "@") {
			lang = rest[1:]
		}
		return rdf.NewLiteral(value, lang), nil
	default:
		return rdf.NewLiteral(s, ""), nil
	}
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, kerrors.QueryError("limit must be an integer")
	}
	return limit, nil
}
