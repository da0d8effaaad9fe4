package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
)

// Resolver parses and evaluates the global composite grammar:
//
//	<query>   ::= <item> (<bool> <item>)*
//	<item>    ::= <backend_query> | <alias> | "(" <query> ")"
//	<backend_query> ::= <prefix> "{" <payload> "}"
//	<alias>   ::= "A:" <identifier>
//	<bool>    ::= "and not" | "and" | "or" | "xor"
//
// Payload is opaque to this grammar: everything between the braces is
// handed verbatim to the named backend, so (unlike the Direct backend's
// boolean grammar) this parser is hand written rather than
// participle-driven — a regex lexer has no natural
// way to carry "match anything up to the matching brace" as a token
// class without reimplementing exactly this scanner underneath it.
type Resolver struct {
	registry       *Registry
	aliases        AliasTable
	defaultBackend string
}

// NewResolver builds a resolver over registry and aliases. defaultBackend,
// if non-empty, names a backend prefix whose native grammar is attempted
// against the raw input before falling back to the global grammar.
func NewResolver(registry *Registry, aliases AliasTable, defaultBackend string) *Resolver {
	return &Resolver{registry: registry, aliases: aliases, defaultBackend: defaultBackend}
}

// Resolve parses and evaluates query, returning the combined NodeSet.
func (r *Resolver) Resolve(ctx context.Context, query string) (nodeset.NodeSet, error) {
	if r.defaultBackend != "" {
		if b, ok := r.registry.Get(r.defaultBackend); ok {
			if ns, err := b.Resolve(ctx, query); err == nil {
				return ns, nil
			}
		}
	}

	ast, err := parseGlobalQuery(query)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	return r.eval(ctx, ast, map[string]bool{})
}

func (r *Resolver) eval(ctx context.Context, e *globalExpr, path map[string]bool) (nodeset.NodeSet, error) {
	acc, err := r.evalTerm(ctx, e.Left, path)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	for _, rest := range e.Rest {
		rhs, err := r.evalTerm(ctx, rest.Term, path)
		if err != nil {
			return nodeset.NodeSet{}, err
		}
		switch rest.Op {
		case "and":
			acc = acc.Intersect(rhs)
		case "or":
			acc = acc.Union(rhs)
		case "and not":
			acc = acc.Difference(rhs)
		case "xor":
			acc = acc.SymmetricDifference(rhs)
		}
	}
	return acc, nil
}

func (r *Resolver) evalTerm(ctx context.Context, t *globalTerm, path map[string]bool) (nodeset.NodeSet, error) {
	switch {
	case t.Paren != nil:
		return r.eval(ctx, t.Paren, path)
	case t.Backend != nil:
		backend, ok := r.registry.Get(t.Backend.Prefix)
		if !ok {
			return nodeset.NodeSet{}, cuminerrors.New(cuminerrors.InvalidQuery, "no backend registered for prefix %q", t.Backend.Prefix)
		}
		ns, err := backend.Resolve(ctx, t.Backend.Payload)
		if err != nil {
			return nodeset.NodeSet{}, err
		}
		return ns, nil
	case t.Alias != "":
		return r.evalAlias(ctx, t.Alias, path)
	}
	return nodeset.NodeSet{}, cuminerrors.New(cuminerrors.ParseError, "empty query item")
}

func (r *Resolver) evalAlias(ctx context.Context, name string, path map[string]bool) (nodeset.NodeSet, error) {
	if path[name] {
		return nodeset.NodeSet{}, cuminerrors.New(cuminerrors.CyclicAlias, "alias %q is cyclic", name)
	}
	text, ok := r.aliases.Lookup(name)
	if !ok {
		return nodeset.NodeSet{}, cuminerrors.New(cuminerrors.UnknownAlias, "unknown alias %q", name)
	}

	nextPath := make(map[string]bool, len(path)+1)
	for k := range path {
		nextPath[k] = true
	}
	nextPath[name] = true

	ast, err := parseGlobalQuery(text)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	return r.eval(ctx, ast, nextPath)
}

// ------------------------------------------------------------------
// Grammar AST + hand-written recursive-descent parser
// ------------------------------------------------------------------

type globalExpr struct {
	Left *globalTerm
	Rest []*globalOpTerm
}

type globalOpTerm struct {
	Op   string
	Term *globalTerm
}

type globalTerm struct {
	Paren   *globalExpr
	Backend *backendQueryLit
	Alias   string
}

type backendQueryLit struct {
	Prefix  string
	Payload string
}

var globalBoolOps = []string{"and not", "and", "or", "xor"}

type globalParser struct {
	input string
	pos   int
}

func parseGlobalQuery(input string) (*globalExpr, error) {
	p := &globalParser{input: input}
	e, err := p.parseExpr()
	if err != nil {
		return nil, cuminerrors.New(cuminerrors.ParseError, "composite query %q: %v", input, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, cuminerrors.New(cuminerrors.ParseError, "composite query %q: unexpected input at %d", input, p.pos)
	}
	return e, nil
}

func (p *globalParser) parseExpr() (*globalExpr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	e := &globalExpr{Left: left}
	for {
		p.skipSpace()
		op, ok := p.peekBoolOp()
		if !ok {
			break
		}
		p.pos += len(op)
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		e.Rest = append(e.Rest, &globalOpTerm{Op: op, Term: rhs})
	}
	return e, nil
}

func (p *globalParser) parseTerm() (*globalTerm, error) {
	p.skipSpace()
	if p.peekByte('(') {
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.peekByte(')') {
			return nil, fmt.Errorf("expected ')' at %d", p.pos)
		}
		p.pos++
		return &globalTerm{Paren: inner}, nil
	}

	if strings.HasPrefix(p.input[p.pos:], "A:") {
		p.pos += 2
		name := p.readIdent()
		if name == "" {
			return nil, fmt.Errorf("expected alias identifier after 'A:' at %d", p.pos)
		}
		return &globalTerm{Alias: name}, nil
	}

	prefix := p.readIdent()
	if prefix == "" {
		return nil, fmt.Errorf("expected backend prefix at %d", p.pos)
	}
	p.skipSpace()
	if !p.peekByte('{') {
		return nil, fmt.Errorf("expected '{' after backend prefix %q at %d", prefix, p.pos)
	}
	p.pos++
	start := p.pos
	depth := 0
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '{' {
			depth++
		} else if c == '}' {
			if depth == 0 {
				break
			}
			depth--
		}
		p.pos++
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unterminated backend query payload starting at %d", start)
	}
	payload := p.input[start:p.pos]
	p.pos++ // consume '}'
	return &globalTerm{Backend: &backendQueryLit{Prefix: prefix, Payload: payload}}, nil
}

func (p *globalParser) peekByte(b byte) bool {
	return p.pos < len(p.input) && p.input[p.pos] == b
}

func (p *globalParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *globalParser) readIdent() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

// peekBoolOp matches the longest operator keyword at the current
// position ("and not" must be checked before "and").
func (p *globalParser) peekBoolOp() (string, bool) {
	rest := p.input[p.pos:]
	for _, op := range globalBoolOps {
		if len(rest) >= len(op) && strings.EqualFold(rest[:len(op)], op) {
			after := len(op)
			if after == len(rest) || rest[after] == ' ' || rest[after] == '(' {
				return op, true
			}
		}
	}
	return "", false
}
