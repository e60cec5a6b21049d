// Package rdf provides the triple data model and the N-Triples codec used by
// the bulk loader and the mutation API.
package rdf

import (
	"fmt"
	"strings"
)

// TermKind discriminates the two object term shapes a triple may carry.
type TermKind int

const (
	// TermIRI is a named node identified by an IRI.
	TermIRI TermKind = iota
	// TermLiteral is a literal value with an optional language tag.
	TermLiteral
)

// Term is a triple object: either an IRI or a literal.
// Subjects and predicates are always IRIs and are held as plain strings on
// Triple; only the object position needs the discriminated form.
type Term struct {
	Kind  TermKind
	Value string
	// Lang is the BCP 47 language tag for literals, lowercase, empty when
	// untagged. Always empty for IRIs.
	Lang string
}

// NewIRITerm returns an IRI object term.
func NewIRITerm(iri string) Term {
	return Term{Kind: TermIRI, Value: iri}
}

// NewLiteral returns a literal object term with an optional language tag.
func NewLiteral(value, lang string) Term {
	return Term{Kind: TermLiteral, Value: value, Lang: strings.ToLower(lang)}
}

// IsIRI reports whether the term is an IRI.
func (t Term) IsIRI() bool { return t.Kind == TermIRI }

// IsLiteral reports whether the term is a literal.
func (t Term) IsLiteral() bool { return t.Kind == TermLiteral }

// String renders the term in N-Triples syntax.
func (t Term) String() string {
	if t.Kind == TermIRI {
		return "<" + t.Value + ">"
	}
	if t.Lang != "" {
		return `"` + escapeLiteral(t.Value) + `"@` + t.Lang
	}
	return `"` + escapeLiteral(t.Value) + `"`
}

// Triple is an atomic (subject, predicate, object) fact. Triples are set
// members: equality is component-wise and there is no ordering significance.
// The struct is comparable, so == implements set membership directly.
type Triple struct {
	Subject   string
	Predicate string
	Object    Term
}

// String renders the triple as one N-Triples statement without the trailing
// newline.
func (t Triple) String() string {
	return fmt.Sprintf("<%s> <%s> %s .", t.Subject, t.Predicate, t.Object)
}

// Subjects returns the distinct subject IRIs of the given triples, in first
// occurrence order.
func Subjects(triples []Triple) []string {
	seen := make(map[string]struct{}, len(triples))
	var out []string
	for _, t := range triples {
		if _, ok := seen[t.Subject]; ok {
			continue
		}
		seen[t.Subject] = struct{}{}
		out = append(out, t.Subject)
	}
	return out
}

// escapeLiteral escapes a literal lexical form for N-Triples output.
func escapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
