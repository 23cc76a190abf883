// Package query turns the filter language into index scans. A query names
// predicates, an optional sort and an optional proximity clause; the
// planner picks one driving scan and every predicate is re-checked against
// the live entity.
package query

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/google/uuid"
)

type Operator int

const (
	OpEq Operator = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpContains
)

func (o Operator) String() string {
	switch o {
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpContains:
		return "contains"
	default:
		return "="
	}
}

var operators = map[string]Operator{
	"=":        OpEq,
	"eq":       OpEq,
	"<":        OpLt,
	"lt":       OpLt,
	"<=":       OpLe,
	"lte":      OpLe,
	">":        OpGt,
	"gt":       OpGt,
	">=":       OpGe,
	"gte":      OpGe,
	"contains": OpContains,
}

// Predicate compares one property path with a literal.
type Predicate struct {
	Field   string
	Op      Operator
	Value   codec.Value
	Pattern tokenizer.Pattern
}

// Within restricts results to entities whose location lies inside Radius
// meters of Center.
type Within struct {
	Field  string
	Radius float64
	Center index.Point
}

type Sort struct {
	Field string
	Desc  bool
}

// Level selects how much of each result entity is returned.
type Level int

const (
	LevelIDs Level = iota
	LevelRefs
	LevelProperties
)

// ParseLevel maps "ids", "refs" and "properties" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "ids":
		return LevelIDs, nil
	case "refs":
		return LevelRefs, nil
	case "properties", "all":
		return LevelProperties, nil
	default:
		return LevelIDs, apperrors.Wrapf(apperrors.ErrInvalidQuery, "unknown result level %q", s)
	}
}

// Query is the immutable descriptor the evaluator executes. Parse fills
// the predicates, the sort and the proximity clause; callers set the rest.
type Query struct {
	Text       string
	Predicates []Predicate
	Within     *Within
	Sort       *Sort

	// Type names the entity type whose metadata validates the query. When
	// empty, the first target's name is looked up instead. For a connection
	// target ("connections/likes") that is the connection type, which
	// rarely names an entity type, so the default metadata applies and
	// full-text or not-indexed properties are not recognised. Set Type when
	// querying connections.
	Type     string
	Limit    int
	Cursor   string
	Reversed bool
	Level    Level
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokUUID
	tokOp
	tokComma
	tokStar
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func invalid(format string, args ...any) error {
	return apperrors.Wrapf(apperrors.ErrInvalidQuery, format, args...)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' || r == '+' || r == '*'
}

func lex(s string) ([]token, error) {
	var out []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == ',':
			out = append(out, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '=':
			out = append(out, token{kind: tokOp, text: "=", pos: i})
			i++
		case r == '<' || r == '>':
			op := string(r)
			if i+1 < len(rs) && rs[i+1] == '=' {
				op += "="
			}
			out = append(out, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		case r == '\'':
			var b strings.Builder
			j := i + 1
			closed := false
			for j < len(rs) {
				if rs[j] == '\\' && j+1 < len(rs) {
					b.WriteRune(rs[j+1])
					j += 2
					continue
				}
				if rs[j] == '\'' {
					closed = true
					j++
					break
				}
				b.WriteRune(rs[j])
				j++
			}
			if !closed {
				return nil, invalid("unterminated string at %d", i)
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: i})
			i = j
		case isWordRune(r):
			j := i
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			word := string(rs[i:j])
			out = append(out, classify(word, i))
			i = j
		default:
			return nil, invalid("unexpected %q at %d", r, i)
		}
	}
	return out, nil
}

func classify(word string, pos int) token {
	if word == "*" {
		return token{kind: tokStar, text: word, pos: pos}
	}
	if len(word) == 36 {
		if _, err := uuid.Parse(word); err == nil {
			return token{kind: tokUUID, text: word, pos: pos}
		}
	}
	if isNumeric(word) {
		return token{kind: tokNumber, text: word, pos: pos}
	}
	return token{kind: tokWord, text: word, pos: pos}
}

// isNumeric accepts decimal literals only; strconv alone would also take
// "inf", "nan" and hex floats.
func isNumeric(word string) bool {
	digits := strings.TrimLeft(word, "+-")
	if digits == "" || !(unicode.IsDigit(rune(digits[0])) || digits[0] == '.') {
		return false
	}
	if strings.ContainsFunc(digits, func(r rune) bool {
		return unicode.IsLetter(r) && r != 'e' && r != 'E'
	}) {
		return false
	}
	_, err := strconv.ParseFloat(word, 64)
	return err == nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// keyword consumes the next token if it is the bare word kw.
func (p *parser) keyword(kw string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokWord && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kw string) error {
	if !p.keyword(kw) {
		return invalid("expected %q", kw)
	}
	return nil
}

// Parse reads a query of the form
//
//	[select * [where]] field op literal [and ...] [order by field [asc|desc]]
//
// where a condition may also be "[field] within <meters> of <lat>, <lon>".
func Parse(text string) (*Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	q := &Query{Text: text}

	if p.keyword("select") {
		if t, ok := p.next(); !ok || t.kind != tokStar {
			return nil, invalid("only select * is supported")
		}
	}
	p.keyword("where")

	if t, ok := p.peek(); ok && !(t.kind == tokWord && strings.EqualFold(t.text, "order")) {
		for {
			if err := p.condition(q); err != nil {
				return nil, err
			}
			if !p.keyword("and") {
				break
			}
		}
	}
	if p.keyword("order") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		field, ok := p.next()
		if !ok || field.kind != tokWord {
			return nil, invalid("order by needs a property name")
		}
		q.Sort = &Sort{Field: field.text}
		switch {
		case p.keyword("desc"):
			q.Sort.Desc = true
		case p.keyword("asc"):
		}
	}
	if t, ok := p.peek(); ok {
		return nil, invalid("unexpected %q at %d", t.text, t.pos)
	}
	return q, nil
}

func (p *parser) condition(q *Query) error {
	if p.keyword("within") {
		return p.within(q, "location")
	}
	field, ok := p.next()
	if !ok || field.kind != tokWord || isReserved(field.text) {
		return invalid("expected a property name")
	}
	if p.keyword("within") {
		return p.within(q, field.text)
	}
	opTok, ok := p.next()
	if !ok || (opTok.kind != tokOp && opTok.kind != tokWord) {
		return invalid("expected an operator after %q", field.text)
	}
	op, known := operators[strings.ToLower(opTok.text)]
	if !known {
		return invalid("unknown operator %q", opTok.text)
	}
	lit, ok := p.next()
	if !ok {
		return invalid("missing value for %q", field.text)
	}
	v, err := literal(lit)
	if err != nil {
		return err
	}
	pred := Predicate{Field: field.text, Op: op, Value: v}
	if op == OpContains {
		if v.Kind != codec.KindString {
			return invalid("contains needs a string, got %s", v.String())
		}
		pat, ok := tokenizer.ParsePattern(v.Str)
		if !ok {
			return invalid("contains %q has no searchable term", v.Str)
		}
		pred.Pattern = pat
	}
	q.Predicates = append(q.Predicates, pred)
	return nil
}

func (p *parser) within(q *Query, field string) error {
	if q.Within != nil {
		return invalid("only one within clause is allowed")
	}
	radius, err := p.number()
	if err != nil {
		return err
	}
	if err := p.expect("of"); err != nil {
		return err
	}
	lat, err := p.number()
	if err != nil {
		return err
	}
	if t, ok := p.next(); !ok || t.kind != tokComma {
		return invalid("expected a comma between latitude and longitude")
	}
	lon, err := p.number()
	if err != nil {
		return err
	}
	q.Within = &Within{Field: field, Radius: radius, Center: index.Point{Lat: lat, Lon: lon}}
	return nil
}

func (p *parser) number() (float64, error) {
	t, ok := p.next()
	if !ok || t.kind != tokNumber {
		return 0, invalid("within needs numbers")
	}
	return strconv.ParseFloat(t.text, 64)
}

func isReserved(word string) bool {
	switch strings.ToLower(word) {
	case "and", "order", "by", "within", "of", "where", "select":
		return true
	}
	return false
}

func literal(t token) (codec.Value, error) {
	switch t.kind {
	case tokString:
		return codec.String(t.text), nil
	case tokUUID:
		return codec.UUID(uuid.MustParse(t.text)), nil
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return codec.Int(i), nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return codec.Value{}, invalid("bad number %q", t.text)
		}
		return codec.Float(f), nil
	case tokWord:
		switch strings.ToLower(t.text) {
		case "true":
			return codec.Bool(true), nil
		case "false":
			return codec.Bool(false), nil
		case "null":
			return codec.Null(), nil
		}
	}
	return codec.Value{}, invalid("expected a value, got %q", t.text)
}
