package rdf

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ParseError describes a malformed N-Triples statement. Line numbers are
// 1-based. A ParseError aborts the whole parse: partial loads are not a
// supported state, so callers must treat any ParseError as "nothing loaded".
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Decoder reads N-Triples statements one at a time.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	// Dump files can carry long description literals on a single line.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: sc}
}

// Decode returns the next triple. It returns io.EOF at end of input and a
// *ParseError on malformed input. Comments and blank lines are skipped.
func (d *Decoder) Decode() (Triple, error) {
	for d.scanner.Scan() {
		d.line++
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseStatement(line, d.line)
		if err != nil {
			return Triple{}, err
		}
		return t, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Triple{}, err
	}
	return Triple{}, io.EOF
}

// ParseNTriples reads all statements from r. Any malformed statement fails
// the whole parse.
func ParseNTriples(r io.Reader) ([]Triple, error) {
	dec := NewDecoder(r)
	var triples []Triple
	for {
		t, err := dec.Decode()
		if err == io.EOF {
			return triples, nil
		}
		if err != nil {
			return nil, err
		}
		triples = append(triples, t)
	}
}

// WriteNTriples serializes triples to w, one statement per line.
func WriteNTriples(w io.Writer, triples []Triple) error {
	bw := bufio.NewWriter(w)
	for _, t := range triples {
		if _, err := bw.WriteString(t.String()); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// stmtParser is a single-statement cursor. Statements never span lines in
// N-Triples, so the parser works on one line at a time.
type stmtParser struct {
	s    string
	pos  int
	line int
}

func parseStatement(s string, line int) (Triple, error) {
	p := &stmtParser{s: s, line: line}

	subj, err := p.parseIRI("subject")
	if err != nil {
		return Triple{}, err
	}
	p.skipSpace()

	pred, err := p.parseIRI("predicate")
	if err != nil {
		return Triple{}, err
	}
	p.skipSpace()

	obj, err := p.parseObject()
	if err != nil {
		return Triple{}, err
	}
	p.skipSpace()

	if !p.consume('.') {
		return Triple{}, p.errorf("expected '.' terminator")
	}
	p.skipSpace()
	if !p.eof() {
		return Triple{}, p.errorf("unexpected trailing content after '.'")
	}

	return Triple{Subject: subj, Predicate: pred, Object: obj}, nil
}

func (p *stmtParser) errorf(format string, args ...any) *ParseError {
	return &ParseError{Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *stmtParser) eof() bool { return p.pos >= len(p.s) }

func (p *stmtParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.pos]
}

func (p *stmtParser) consume(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *stmtParser) skipSpace() {
	for !p.eof() && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

// parseIRI parses an <iri> token. Blank node labels are rejected here and in
// parseObject: every subject this server stores must be IRI-identified so it
// can key an index document.
func (p *stmtParser) parseIRI(position string) (string, error) {
	if strings.HasPrefix(p.s[p.pos:], "_:") {
		return "", p.errorf("blank node not allowed as %s", position)
	}
	if !p.consume('<') {
		return "", p.errorf("expected IRI as %s", position)
	}
	start := p.pos
	for !p.eof() {
		c := p.s[p.pos]
		if c == '>' {
			iri := p.s[start:p.pos]
			p.pos++
			if iri == "" {
				return "", p.errorf("empty IRI as %s", position)
			}
			if strings.ContainsAny(iri, " \"<{}|^`") {
				return "", p.errorf("invalid character in IRI <%s>", iri)
			}
			return iri, nil
		}
		p.pos++
	}
	return "", p.errorf("unterminated IRI as %s", position)
}

func (p *stmtParser) parseObject() (Term, error) {
	switch {
	case p.peek() == '<':
		iri, err := p.parseIRI("object")
		if err != nil {
			return Term{}, err
		}
		return NewIRITerm(iri), nil
	case p.peek() == '"':
		return p.parseLiteral()
	case strings.HasPrefix(p.s[p.pos:], "_:"):
		return Term{}, p.errorf("blank node not allowed as object")
	default:
		return Term{}, p.errorf("expected IRI or literal as object")
	}
}

func (p *stmtParser) parseLiteral() (Term, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.eof() {
			return Term{}, p.errorf("unterminated literal")
		}
		c := p.s[p.pos]
		if c == '"' {
			p.pos++
			break
		}
		if c == '\\' {
			r, err := p.parseEscape()
			if err != nil {
				return Term{}, err
			}
			b.WriteRune(r)
			continue
		}
		b.WriteByte(c)
		p.pos++
	}

	value := b.String()

	// Optional language tag or datatype suffix. Datatype IRIs are parsed and
	// discarded: the data model keeps only the lexical form, matching the
	// projection's text-only view of literals.
	if p.consume('@') {
		start := p.pos
		for !p.eof() && (isAlnum(p.s[p.pos]) || p.s[p.pos] == '-') {
			p.pos++
		}
		lang := p.s[start:p.pos]
		if lang == "" {
			return Term{}, p.errorf("empty language tag")
		}
		return NewLiteral(value, lang), nil
	}
	if strings.HasPrefix(p.s[p.pos:], "^^") {
		p.pos += 2
		if _, err := p.parseIRI("datatype"); err != nil {
			return Term{}, err
		}
	}
	return NewLiteral(value, ""), nil
}

func (p *stmtParser) parseEscape() (rune, error) {
	p.pos++ // backslash
	if p.eof() {
		return 0, p.errorf("unterminated escape sequence")
	}
	c := p.s[p.pos]
	p.pos++
	switch c {
	case 't':
		return '\t', nil
	case 'b':
		return '\b', nil
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 'f':
		return '\f', nil
	case '"':
		return '"', nil
	case '\'':
		return '\'', nil
	case '\\':
		return '\\', nil
	case 'u':
		return p.parseHexEscape(4)
	case 'U':
		return p.parseHexEscape(8)
	default:
		return 0, p.errorf("invalid escape sequence \\%c", c)
	}
}

func (p *stmtParser) parseHexEscape(width int) (rune, error) {
	if p.pos+width > len(p.s) {
		return 0, p.errorf("truncated unicode escape")
	}
	var v rune
	for i := 0; i < width; i++ {
		c := p.s[p.pos+i]
		var d rune
		switch {
		case c >= '0' && c <= '9':
			d = rune(c - '0')
		case c >= 'a' && c <= 'f':
			d = rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = rune(c-'A') + 10
		default:
			return 0, p.errorf("invalid hex digit %q in unicode escape", c)
		}
		v = v<<4 | d
	}
	p.pos += width
	if !utf8.ValidRune(v) {
		return 0, p.errorf("invalid unicode code point in escape")
	}
	return v, nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
