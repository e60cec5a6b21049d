package rdf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNTriples_BasicStatements(t *testing.T) {
	// Given: a small N-Triples document with comments and blank lines
	input := `# SKOS sample
<http://example.com/Cat> <http://www.w3.org/2004/02/skos/core#prefLabel> "Cat"@en .

<http://example.com/Cat> <http://www.w3.org/2004/02/skos/core#broader> <http://example.com/Animal> .
`

	// When: parsing
	triples, err := ParseNTriples(strings.NewReader(input))

	// Then: both statements decode with correct term shapes
	require.NoError(t, err)
	require.Len(t, triples, 2)

	assert.Equal(t, "http://example.com/Cat", triples[0].Subject)
	assert.Equal(t, "http://www.w3.org/2004/02/skos/core#prefLabel", triples[0].Predicate)
	assert.True(t, triples[0].Object.IsLiteral())
	assert.Equal(t, "Cat", triples[0].Object.Value)
	assert.Equal(t, "en", triples[0].Object.Lang)

	assert.True(t, triples[1].Object.IsIRI())
	assert.Equal(t, "http://example.com/Animal", triples[1].Object.Value)
}

func TestParseNTriples_Escapes(t *testing.T) {
	input := `<http://ex.com/s> <http://ex.com/p> "line\nbreak \"quoted\" é\U0001F408" .` + "\n"

	triples, err := ParseNTriples(strings.NewReader(input))

	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "line\nbreak \"quoted\" é\U0001F408", triples[0].Object.Value)
}

func TestParseNTriples_DatatypeDiscarded(t *testing.T) {
	input := `<http://ex.com/s> <http://ex.com/p> "42"^^<http://www.w3.org/2001/XMLSchema#integer> .` + "\n"

	triples, err := ParseNTriples(strings.NewReader(input))

	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "42", triples[0].Object.Value)
	assert.Empty(t, triples[0].Object.Lang)
}

func TestParseNTriples_LanguageTagNormalized(t *testing.T) {
	input := `<http://ex.com/s> <http://ex.com/p> "Chat"@FR .` + "\n"

	triples, err := ParseNTriples(strings.NewReader(input))

	require.NoError(t, err)
	assert.Equal(t, "fr", triples[0].Object.Lang)
}

func TestParseNTriples_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
	}{
		{"missing terminator", `<http://ex.com/s> <http://ex.com/p> "v"`, 1},
		{"unterminated literal", `<http://ex.com/s> <http://ex.com/p> "v .`, 1},
		{"unterminated iri", `<http://ex.com/s <http://ex.com/p> "v" .`, 1},
		{"blank node subject", `_:b0 <http://ex.com/p> "v" .`, 1},
		{"blank node object", `<http://ex.com/s> <http://ex.com/p> _:b1 .`, 1},
		{"bare word object", `<http://ex.com/s> <http://ex.com/p> v .`, 1},
		{"empty language tag", `<http://ex.com/s> <http://ex.com/p> "v"@ .`, 1},
		{"bad escape", `<http://ex.com/s> <http://ex.com/p> "\q" .`, 1},
		{"trailing garbage", `<http://ex.com/s> <http://ex.com/p> "v" . extra`, 1},
		{"error on later line", "<http://ex.com/s> <http://ex.com/p> \"v\" .\nnot a triple .", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNTriples(strings.NewReader(tt.input))

			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.line, pe.Line)
		})
	}
}

func TestParseNTriples_AbortsWholeParse(t *testing.T) {
	// Given: one good statement followed by one malformed statement
	input := "<http://ex.com/s> <http://ex.com/p> \"v\" .\n<broken\n"

	// When: parsing
	triples, err := ParseNTriples(strings.NewReader(input))

	// Then: nothing is returned, not a partial result
	require.Error(t, err)
	assert.Nil(t, triples)
}

func TestWriteNTriples_RoundTrip(t *testing.T) {
	in := []Triple{
		{Subject: "http://ex.com/s", Predicate: "http://ex.com/p", Object: NewLiteral("with \"quotes\"\nand newline", "en")},
		{Subject: "http://ex.com/s", Predicate: "http://ex.com/p", Object: NewIRITerm("http://ex.com/o")},
		{Subject: "http://ex.com/s", Predicate: "http://ex.com/p", Object: NewLiteral("plain", "")},
	}

	var buf strings.Builder
	require.NoError(t, WriteNTriples(&buf, in))
	out, err := ParseNTriples(strings.NewReader(buf.String()))

	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSubjects_DistinctFirstOccurrence(t *testing.T) {
	triples := []Triple{
		{Subject: "http://ex.com/b", Predicate: "http://ex.com/p", Object: NewLiteral("1", "")},
		{Subject: "http://ex.com/a", Predicate: "http://ex.com/p", Object: NewLiteral("2", "")},
		{Subject: "http://ex.com/b", Predicate: "http://ex.com/p", Object: NewLiteral("3", "")},
	}

	assert.Equal(t, []string{"http://ex.com/b", "http://ex.com/a"}, Subjects(triples))
}
