// Package filter parses a small textual predicate language over version
// columns and applies it to gorm queries:
//
//	city = "Berlin" AND (postal_code LIKE "10%" OR street != 'Main St')
//	NOT attributes IS NULL
//	postal_code IN ("10115", "10117")
//
// Column names are checked against an allow-list; values are always bound as
// query parameters.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// ErrInvalidFilter is returned for filters that do not parse or that name a
// column outside the allow-list.
var ErrInvalidFilter = errors.New("invalid filter")

var (
	filterLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "whitespace", Pattern: `\s+`},
		{Name: "String", Pattern: `"(?:\\.|[^"])*"|'(?:\\.|[^'])*'`},
		{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?`},
		{Name: "Operator", Pattern: `!=|<>|<=|>=|=|<|>`},
		{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
		{Name: "Punct", Pattern: `[(),]`},
	})

	filterParser = participle.MustBuild[orExpr](
		participle.Lexer(filterLexer),
		participle.Unquote("String"),
		participle.CaseInsensitive("Ident"),
		participle.Elide("whitespace"),
		participle.UseLookahead(2),
	)
)

type orExpr struct {
	And []*andExpr `parser:"@@ ( 'OR' @@ )*"`
}

type andExpr struct {
	Terms []*term `parser:"@@ ( 'AND' @@ )*"`
}

type term struct {
	Not        bool        `parser:"@'NOT'?"`
	Group      *orExpr     `parser:"( '(' @@ ')'"`
	Comparison *comparison `parser:"| @@ )"`
}

type comparison struct {
	Column  string   `parser:"@Ident"`
	Op      string   `parser:"( @Operator"`
	Value   *value   `parser:"  @@"`
	Like    *value   `parser:"| 'LIKE' @@"`
	In      []*value `parser:"| 'IN' '(' @@ ( ',' @@ )* ')'"`
	IsNull  bool     `parser:"| 'IS' ( @'NULL'"`
	NotNull bool     `parser:"       | 'NOT' @'NULL' ) )"`
}

type value struct {
	String *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	Bool   *string  `parser:"| @( 'TRUE' | 'FALSE' )"`
}

func (v *value) get() any {
	switch {
	case v.String != nil:
		return *v.String
	case v.Number != nil:
		return *v.Number
	case v.Bool != nil:
		return strings.EqualFold(*v.Bool, "true")
	}
	return nil
}

// Parser parses filters over a fixed set of columns.
type Parser struct {
	columns mapset.Set[string]
}

// NewParser creates a Parser accepting the given column names.
func NewParser(columns ...string) *Parser {
	return &Parser{columns: mapset.NewSet(columns...)}
}

// Columns returns the accepted column names.
func (p *Parser) Columns() []string {
	columns := p.columns.ToSlice()
	slices.Sort(columns)
	return columns
}

// Parse parses input into an Expression. A blank input yields a nil
// Expression, which filters nothing.
func (p *Parser) Parse(input string) (*Expression, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	ast, err := filterParser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	cond, err := p.or(ast)
	if err != nil {
		return nil, err
	}
	return &Expression{source: input, cond: cond}, nil
}

func (p *Parser) or(e *orExpr) (clause.Expression, error) {
	exprs := make([]clause.Expression, 0, len(e.And))
	for _, a := range e.And {
		expr, err := p.and(a)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return clause.Or(exprs...), nil
}

func (p *Parser) and(e *andExpr) (clause.Expression, error) {
	exprs := make([]clause.Expression, 0, len(e.Terms))
	for _, t := range e.Terms {
		expr, err := p.term(t)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
	}
	return clause.And(exprs...), nil
}

func (p *Parser) term(t *term) (clause.Expression, error) {
	var (
		expr clause.Expression
		err  error
	)
	if t.Group != nil {
		expr, err = p.or(t.Group)
	} else {
		expr, err = p.comparison(t.Comparison)
	}
	if err != nil {
		return nil, err
	}
	if t.Not {
		return clause.Not(expr), nil
	}
	return expr, nil
}

func (p *Parser) comparison(c *comparison) (clause.Expression, error) {
	column := strings.ToLower(c.Column)
	if !p.columns.Contains(column) {
		return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, c.Column)
	}
	col := clause.Column{Name: column}

	switch {
	case c.IsNull:
		return clause.Eq{Column: col, Value: nil}, nil
	case c.NotNull:
		return clause.Neq{Column: col, Value: nil}, nil
	case c.Like != nil:
		return clause.Like{Column: col, Value: c.Like.get()}, nil
	case len(c.In) > 0:
		values := make([]any, 0, len(c.In))
		for _, v := range c.In {
			values = append(values, v.get())
		}
		return clause.IN{Column: col, Values: values}, nil
	}

	v := c.Value.get()
	switch c.Op {
	case "=":
		return clause.Eq{Column: col, Value: v}, nil
	case "!=", "<>":
		return clause.Neq{Column: col, Value: v}, nil
	case "<":
		return clause.Lt{Column: col, Value: v}, nil
	case "<=":
		return clause.Lte{Column: col, Value: v}, nil
	case ">":
		return clause.Gt{Column: col, Value: v}, nil
	case ">=":
		return clause.Gte{Column: col, Value: v}, nil
	}
	return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, c.Op)
}

// Expression is a parsed filter. It satisfies the engine's Filter predicate
// shape.
type Expression struct {
	source string
	cond   clause.Expression
}

// Apply adds the filter conditions to db. A nil Expression leaves db as is.
func (e *Expression) Apply(db *gorm.DB) *gorm.DB {
	if e == nil {
		return db
	}
	return db.Where(e.cond)
}

func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.source
}

// ColumnsOf returns the column names gorm maps for model, minus exclude, for
// use as a Parser allow-list.
func ColumnsOf(model any, exclude ...string) ([]string, error) {
	s, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	columns := mapset.NewThreadUnsafeSet(s.DBNames...).Difference(mapset.NewThreadUnsafeSet(exclude...)).ToSlice()
	slices.Sort(columns)
	return columns, nil
}
