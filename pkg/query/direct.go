package query

import (
	"context"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
)

// directLexer tokenizes the pure NodeSet boolean grammar: range literals
// combined with AND, OR, AND NOT, XOR and explicit parentheses.
var directLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Keyword", Pattern: `(?i)\b(AND NOT|AND|OR|XOR)\b`},
	{Name: "LParen", Pattern: `\(`},
	{Name: "RParen", Pattern: `\)`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Atom", Pattern: `[^\s()]+`},
})

// directExpr is a left-associative chain of terms at a single precedence
// level; explicit parentheses are the only grouping.
type directExpr struct {
	Left *directTerm     `parser:"@@"`
	Rest []*directOpTerm `parser:"@@*"`
}

type directOpTerm struct {
	Op   string      `parser:"@(\"AND NOT\"|\"AND\"|\"OR\"|\"XOR\")"`
	Term *directTerm `parser:"@@"`
}

type directTerm struct {
	Paren *directExpr `parser:"  \"(\" @@ \")\""`
	Atom  string      `parser:"| @Atom"`
}

var directParser = participle.MustBuild[directExpr](
	participle.Lexer(directLexer),
	participle.CaseInsensitive("Keyword"),
	participle.Elide("Whitespace"),
)

// atomResolver expands one atom of the direct boolean grammar into a
// NodeSet. The Direct backend resolves an atom as a plain range literal;
// KnownHosts resolves it the same way and then restricts the result to
// its parsed host universe.
type atomResolver func(string) (nodeset.NodeSet, error)

// evalDirect walks a parsed direct expression, resolving each atom via
// resolve and combining with the mapped set operator.
func evalDirect(e *directExpr, resolve atomResolver) (nodeset.NodeSet, error) {
	acc, err := evalDirectTerm(e.Left, resolve)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	for _, rest := range e.Rest {
		rhs, err := evalDirectTerm(rest.Term, resolve)
		if err != nil {
			return nodeset.NodeSet{}, err
		}
		switch strings.ToUpper(rest.Op) {
		case "AND":
			acc = acc.Intersect(rhs)
		case "OR":
			acc = acc.Union(rhs)
		case "AND NOT":
			acc = acc.Difference(rhs)
		case "XOR":
			acc = acc.SymmetricDifference(rhs)
		}
	}
	return acc, nil
}

func evalDirectTerm(t *directTerm, resolve atomResolver) (nodeset.NodeSet, error) {
	if t.Paren != nil {
		return evalDirect(t.Paren, resolve)
	}
	return resolve(t.Atom)
}

// parseBoolExpr parses the shared AND/OR/AND NOT/XOR grammar, returning
// an AST that evalDirect can walk with any atomResolver.
func parseBoolExpr(payload string) (*directExpr, error) {
	return directParser.ParseString("", payload)
}

// DirectBackend is the pure, I/O-free fallback backend: atoms are NodeSet
// range literals composed with AND/OR/AND NOT/XOR and parentheses.
type DirectBackend struct{}

// NewDirectBackend constructs the Direct backend, registered under "D".
func NewDirectBackend() *DirectBackend { return &DirectBackend{} }

func (b *DirectBackend) Prefix() string { return "D" }

func (b *DirectBackend) Resolve(ctx context.Context, payload string) (nodeset.NodeSet, error) {
	ast, err := parseBoolExpr(payload)
	if err != nil {
		return nodeset.NodeSet{}, cuminerrors.FromParticipleError(err, "direct backend")
	}
	ns, err := evalDirect(ast, nodeset.Parse)
	if err != nil {
		return nodeset.NodeSet{}, cuminerrors.Wrap(cuminerrors.InvalidQuery, err, "direct backend: evaluating %q", payload)
	}
	return ns, nil
}
