// Package nodeset implements cumin's finite-set representation of host
// names: compact range-literal expansion (host[10-42,50].dom), the
// algebraic operators (union, intersection, difference, symmetric
// difference), and canonical compact rendering.
package nodeset

import (
	"sort"
	"strings"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// NodeSet is a finite unordered set of host names. The zero value is the
// empty set and is valid to use directly.
type NodeSet struct {
	members map[string]struct{}
}

// New builds a NodeSet from literal host names, no range expansion.
func New(hosts ...string) NodeSet {
	ns := NodeSet{members: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		ns.members[h] = struct{}{}
	}
	return ns
}

// Parse parses a compact NodeSet expression: one or more range literals
// combined with the set operators "|" (union), "&" (intersection), "-"
// (difference), "^" (symmetric difference), or a bare "," (also union).
// Operators associate left to right at a single precedence level; commas
// inside a bracket group are range separators, not operators.
func Parse(expr string) (NodeSet, error) {
	toks, err := splitTopLevel(expr)
	if err != nil {
		return NodeSet{}, err
	}
	if len(toks) == 0 {
		return NodeSet{}, nil
	}

	result, err := parseGroup(toks[0].text)
	if err != nil {
		return NodeSet{}, err
	}
	for _, tok := range toks[1:] {
		rhs, err := parseGroup(tok.text)
		if err != nil {
			return NodeSet{}, err
		}
		switch tok.op {
		case ",", "|":
			result = result.Union(rhs)
		case "&":
			result = result.Intersect(rhs)
		case "-":
			result = result.Difference(rhs)
		case "^":
			result = result.SymmetricDifference(rhs)
		}
	}
	return result, nil
}

// parseGroup expands one range literal (no top-level operators left in it).
func parseGroup(text string) (NodeSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return NodeSet{}, nil
	}
	hosts, err := expandLiteral(text)
	if err != nil {
		return NodeSet{}, err
	}
	return New(hosts...), nil
}

type opToken struct {
	op   string // "" for the first segment
	text string
}

// splitTopLevel scans expr tracking bracket depth, splitting on ",", "|",
// "&", "^" unconditionally at depth 0, and on "-" only when it is
// surrounded by whitespace (so "web-01" stays one host name while
// "web01 - web02" is a difference).
func splitTopLevel(expr string) ([]opToken, error) {
	runes := []rune(expr)
	depth := 0
	var cur strings.Builder
	var toks []opToken
	pendingOp := ""

	flush := func(op string) {
		toks = append(toks, opToken{op: op, text: strings.TrimSpace(cur.String())})
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '[':
			depth++
			cur.WriteRune(c)
		case ']':
			depth--
			if depth < 0 {
				return nil, cuminerrors.New(cuminerrors.ParseError, "unbalanced ']' in %q", expr)
			}
			cur.WriteRune(c)
		case ',', '|', '&', '^':
			if depth == 0 {
				flush(pendingOp)
				pendingOp = string(c)
			} else {
				cur.WriteRune(c)
			}
		case '-':
			prevSpace := i == 0 || runes[i-1] == ' '
			nextSpace := i == len(runes)-1 || runes[i+1] == ' '
			if depth == 0 && prevSpace && nextSpace && strings.TrimSpace(cur.String()) != "" {
				flush(pendingOp)
				pendingOp = "-"
			} else {
				cur.WriteRune(c)
			}
		default:
			cur.WriteRune(c)
		}
	}
	if depth != 0 {
		return nil, cuminerrors.New(cuminerrors.ParseError, "unbalanced '[' in %q", expr)
	}
	flush(pendingOp)

	// Drop a leading empty segment produced by a leading/trailing comma.
	var out []opToken
	for _, t := range toks {
		if t.text == "" && t.op == "" && len(toks) == 1 {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Len returns the cardinality of the set.
func (ns NodeSet) Len() int { return len(ns.members) }

// Contains reports whether host is a member.
func (ns NodeSet) Contains(host string) bool {
	_, ok := ns.members[host]
	return ok
}

// Hosts returns the members in sorted order. The returned slice is a copy.
func (ns NodeSet) Hosts() []string {
	out := make([]string, 0, len(ns.members))
	for h := range ns.members {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Union returns the set of hosts in either ns or other.
func (ns NodeSet) Union(other NodeSet) NodeSet {
	out := make(map[string]struct{}, len(ns.members)+len(other.members))
	for h := range ns.members {
		out[h] = struct{}{}
	}
	for h := range other.members {
		out[h] = struct{}{}
	}
	return NodeSet{members: out}
}

// Intersect returns the set of hosts present in both ns and other.
func (ns NodeSet) Intersect(other NodeSet) NodeSet {
	out := make(map[string]struct{})
	small, big := ns.members, other.members
	if len(other.members) < len(ns.members) {
		small, big = other.members, ns.members
	}
	for h := range small {
		if _, ok := big[h]; ok {
			out[h] = struct{}{}
		}
	}
	return NodeSet{members: out}
}

// Difference returns the set of hosts in ns but not in other.
func (ns NodeSet) Difference(other NodeSet) NodeSet {
	out := make(map[string]struct{})
	for h := range ns.members {
		if _, ok := other.members[h]; !ok {
			out[h] = struct{}{}
		}
	}
	return NodeSet{members: out}
}

// SymmetricDifference returns the set of hosts in exactly one of ns, other.
func (ns NodeSet) SymmetricDifference(other NodeSet) NodeSet {
	out := make(map[string]struct{})
	for h := range ns.members {
		if _, ok := other.members[h]; !ok {
			out[h] = struct{}{}
		}
	}
	for h := range other.members {
		if _, ok := ns.members[h]; !ok {
			out[h] = struct{}{}
		}
	}
	return NodeSet{members: out}
}

// Equal reports whether ns and other contain exactly the same hosts.
func (ns NodeSet) Equal(other NodeSet) bool {
	if len(ns.members) != len(other.members) {
		return false
	}
	for h := range ns.members {
		if _, ok := other.members[h]; !ok {
			return false
		}
	}
	return true
}

// String renders the canonical compact form: contiguous numeric suffixes
// sharing a prefix and suffix are re-folded into a bracketed range list.
func (ns NodeSet) String() string {
	return render(ns.Hosts())
}
