// Package projection derives text index documents from a subject's triples.
//
// The projection is a pure function of the rule set and the triple set. Two
// calls with the same inputs produce byte-identical documents, which is what
// makes the full rebuild a faithful substitute for incremental sync.
package projection

import (
	"sort"
	"strings"

	"github.com/kos-kit/kos-kit-server/internal/config"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
	"github.com/kos-kit/kos-kit-server/internal/store"
)

// Engine applies a fixed projection rule set. Immutable after construction;
// changing rules means constructing a new Engine and rebuilding the index.
type Engine struct {
	fieldFor   map[string]string // predicate IRI -> field name
	languages  []string
	multiValue string
}

// New builds an Engine from validated projection configuration.
func New(cfg config.ProjectionConfig) *Engine {
	fieldFor := make(map[string]string, len(cfg.Rules))
	for _, r := range cfg.Rules {
		fieldFor[r.Predicate] = r.Field
	}
	return &Engine{
		fieldFor:   fieldFor,
		languages:  cfg.Languages,
		multiValue: cfg.MultiValue,
	}
}

// Project derives the index document for subject from its triples. Returns
// nil when no triple matches a configured predicate, which the caller must
// treat as "delete the document", not "index an empty one".
//
// Only literal objects contribute text. IRI objects are structural links and
// never become index content.
func (e *Engine) Project(subject string, triples []rdf.Triple) *store.Document {
	// field name -> lang tag -> values
	byField := make(map[string]map[string][]string)
	for _, t := range triples {
		if t.Subject != subject || !t.Object.IsLiteral() {
			continue
		}
		field, ok := e.fieldFor[t.Predicate]
		if !ok {
			continue
		}
		byLang := byField[field]
		if byLang == nil {
			byLang = make(map[string][]string)
			byField[field] = byLang
		}
		byLang[t.Object.Lang] = append(byLang[t.Object.Lang], t.Object.Value)
	}
	if len(byField) == 0 {
		return nil
	}

	fields := make(map[string][]string, len(byField))
	for field, byLang := range byField {
		values := e.selectValues(byLang)
		if len(values) == 0 {
			continue
		}
		// Deterministic value order regardless of triple iteration order.
		sort.Strings(values)
		if e.multiValue == config.MultiValueConcat {
			values = []string{strings.Join(values, " ")}
		}
		fields[field] = values
	}
	if len(fields) == 0 {
		return nil
	}
	return &store.Document{Subject: subject, Fields: fields}
}

// selectValues picks one language group per field: the first preferred
// language that has values, otherwise the fallback group. The fallback is the
// untagged group when present, else the lexicographically smallest tag, so
// the choice never depends on map iteration order.
func (e *Engine) selectValues(byLang map[string][]string) []string {
	for _, lang := range e.languages {
		if vals := byLang[lang]; len(vals) > 0 {
			return vals
		}
	}
	if vals := byLang[""]; len(vals) > 0 {
		return vals
	}
	tags := make([]string, 0, len(byLang))
	for tag := range byLang {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if vals := byLang[tag]; len(vals) > 0 {
			return vals
		}
	}
	return nil
}
