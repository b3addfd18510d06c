package index

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Query selects documents. Queries are evaluated per document; there is no
// scoring.
type Query interface {
	Matches(doc Document) bool
	String() string
}

// MatchAll matches every live document.
type MatchAll struct{}

func (MatchAll) Matches(Document) bool { return true }
func (MatchAll) String() string        { return "*:*" }

// TermQuery matches documents carrying an exact field value.
type TermQuery struct {
	Term Term
}

// NewTermQuery builds a TermQuery for field:text.
func NewTermQuery(field, text string) TermQuery {
	return TermQuery{Term: Term{Field: field, Text: text}}
}

func (q TermQuery) Matches(doc Document) bool {
	return doc.Has(q.Term.Field, q.Term.Text)
}

func (q TermQuery) String() string {
	return q.Term.String()
}

// TermsQuery matches documents carrying any of the values for a field.
type TermsQuery struct {
	Field  string
	Values []string
}

func (q TermsQuery) Matches(doc Document) bool {
	for _, v := range q.Values {
		if doc.Has(q.Field, v) {
			return true
		}
	}
	return false
}

func (q TermsQuery) String() string {
	return q.Field + ":(" + strings.Join(q.Values, " ") + ")"
}

// PrefixQuery matches documents with a field value starting with Prefix.
type PrefixQuery struct {
	Field  string
	Prefix string
}

func (q PrefixQuery) Matches(doc Document) bool {
	for _, v := range doc.Values(q.Field) {
		if strings.HasPrefix(v, q.Prefix) {
			return true
		}
	}
	return false
}

func (q PrefixQuery) String() string {
	return q.Field + ":" + q.Prefix + "*"
}

// BoolQuery combines clauses. A document matches when it matches every Must
// clause, at least one Should clause (if any are given) and no MustNot clause.
type BoolQuery struct {
	Must    []Query
	Should  []Query
	MustNot []Query
}

func (q BoolQuery) Matches(doc Document) bool {
	for _, c := range q.Must {
		if !c.Matches(doc) {
			return false
		}
	}
	for _, c := range q.MustNot {
		if c.Matches(doc) {
			return false
		}
	}
	if len(q.Should) == 0 {
		return true
	}
	for _, c := range q.Should {
		if c.Matches(doc) {
			return true
		}
	}
	return false
}

func (q BoolQuery) String() string {
	var parts []string
	for _, c := range q.Must {
		parts = append(parts, "+"+c.String())
	}
	for _, c := range q.Should {
		parts = append(parts, c.String())
	}
	for _, c := range q.MustNot {
		parts = append(parts, "-"+c.String())
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// ExprQuery filters documents with a boolean expr-lang expression. The
// environment exposes `id`, `fields` (name -> all values) and every field
// name bound to its first value, e.g. `active == "true" && id startsWith "12"`.
type ExprQuery struct {
	source  string
	program *vm.Program
}

// NewExprQuery compiles source. Unknown identifiers evaluate to nil.
func NewExprQuery(source string) (*ExprQuery, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", source, err)
	}
	return &ExprQuery{source: source, program: program}, nil
}

// Matches evaluates the expression. Evaluation errors and non-boolean
// results count as a non-match.
func (q *ExprQuery) Matches(doc Document) bool {
	out, err := expr.Run(q.program, exprEnv(doc))
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func (q *ExprQuery) String() string {
	return "expr(" + q.source + ")"
}

func exprEnv(doc Document) map[string]any {
	fields := make(map[string][]string)
	env := map[string]any{
		"id":     doc.ID(),
		"fields": fields,
	}
	for _, f := range doc.Fields {
		if _, seen := fields[f.Name]; !seen && f.Name != "id" && f.Name != "fields" {
			env[f.Name] = f.Value
		}
		fields[f.Name] = append(fields[f.Name], f.Value)
	}
	return env
}
