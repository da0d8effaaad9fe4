package query

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/resilience"
)

// PuppetDBConfig configures the PuppetDB backend's HTTP connection.
type PuppetDBConfig struct {
	Host                  string
	Port                  int
	Scheme                string // "http" or "https"
	APIVersion            int    // 3 or 4
	Timeout               time.Duration
	SSLVerify             bool
	SSLClientCert         string
	SSLClientKey          string
	InsecureDisableWarnings bool
}

// PuppetDBBackend compiles its own sub-grammar (§6.3) into a PuppetDB AST
// query and issues it over HTTP, wrapped in a resilience pipeline so
// transient I/O failures are retried before surfacing BackendUnreachable.
type PuppetDBBackend struct {
	cfg      PuppetDBConfig
	client   *resty.Client
	pipeline *resilience.Pipeline
}

// NewPuppetDBBackend builds a PuppetDB backend. configureTLS, if non-nil,
// is applied to the resty client's underlying TLS transport (client cert
// + key, CA trust).
func NewPuppetDBBackend(cfg PuppetDBConfig, configureTLS func(*resty.Client) error) (*PuppetDBBackend, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s://%s:%d", cfg.Scheme, cfg.Host, cfg.Port)).
		SetTimeout(cfg.Timeout)

	if !cfg.SSLVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if configureTLS != nil {
		if err := configureTLS(client); err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "configuring puppetdb TLS")
		}
	}

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "puppetdb", MaxFailures: 5})
	pipeline := resilience.NewPipeline(slog.Default(),
		resilience.WithCircuitBreaker(cb),
		resilience.WithRetry(resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			RetryableErr: isTransientHTTPErr,
		}),
		resilience.WithPipelineTimeout(cfg.Timeout),
	)

	return &PuppetDBBackend{cfg: cfg, client: client, pipeline: pipeline}, nil
}

func (b *PuppetDBBackend) Prefix() string { return "P" }

func (b *PuppetDBBackend) Resolve(ctx context.Context, payload string) (nodeset.NodeSet, error) {
	ast, err := parsePuppetDBQuery(payload)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	pqlQuery := compilePuppetDBAST(ast)

	var certnames []string
	err = b.pipeline.Execute(ctx, func(ctx context.Context) error {
		names, err := b.issueQuery(ctx, pqlQuery)
		if err != nil {
			return err
		}
		certnames = names
		return nil
	})
	if err != nil {
		return nodeset.NodeSet{}, cuminerrors.Wrap(cuminerrors.BackendUnreachable, err, "puppetdb query failed")
	}

	return nodeset.New(certnames...), nil
}

func (b *PuppetDBBackend) issueQuery(ctx context.Context, pql any) ([]string, error) {
	encoded, err := json.Marshal(pql)
	if err != nil {
		return nil, err
	}

	var resp *resty.Response
	if b.cfg.APIVersion <= 3 {
		resp, err = b.client.R().SetContext(ctx).
			SetQueryParam("query", string(encoded)).
			Get("/v3/nodes")
	} else {
		resp, err = b.client.R().SetContext(ctx).
			SetBody(map[string]string{"query": string(encoded)}).
			Post("/pdb/query/v4")
	}
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, cuminerrors.New(cuminerrors.BackendUnreachable, "puppetdb responded %s", resp.Status())
	}

	var results []map[string]any
	if err := json.Unmarshal(resp.Body(), &results); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.BackendUnreachable, err, "decoding puppetdb response")
	}

	var names []string
	for _, r := range results {
		if c, ok := r["certname"].(string); ok {
			names = append(names, c)
			continue
		}
		if c, ok := r["name"].(string); ok {
			names = append(names, c)
		}
	}
	return names, nil
}

func isTransientHTTPErr(err error) bool {
	return !cuminerrors.Is(err, cuminerrors.InvalidQuery) && !cuminerrors.Is(err, cuminerrors.BackendAuth)
}

// ------------------------------------------------------------------
// Sub-grammar: hand-rolled recursive-descent parser.
//
// The §6.3 grammar packs several context-sensitive lexical rules
// (category shortcuts, @field/%param suffixes, doubled backslashes
// inside regex literals, resource-name auto-capitalization) tightly
// enough that a regex-driven token stream fights the grammar more than
// it helps; a small hand-written scanner expresses the same rules more
// directly. The boolean combinator shape is intentionally the same
// shape as the Direct backend's AND/OR grammar above.
// ------------------------------------------------------------------

type pdbNode struct {
	op       string // "and", "or", "" (leaf)
	neg      bool
	children []*pdbNode
	leaf     *pdbLeaf
}

type pdbLeaf struct {
	hostPattern string // set when this atom is a bare host pattern
	category    string // F, R, C, O, P
	key         string
	field       string // @field suffix
	param       string // %param suffix
	op          string // comparison operator, "" if bare presence test
	value       string
	isRegex     bool
}

type pdbParser struct {
	input string
	pos   int
}

func parsePuppetDBQuery(payload string) (*pdbNode, error) {
	p := &pdbParser{input: payload}
	node, err := p.parseQuery()
	if err != nil {
		return nil, cuminerrors.New(cuminerrors.InvalidQuery, "puppetdb query %q: %v", payload, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, cuminerrors.New(cuminerrors.InvalidQuery, "puppetdb query %q: trailing input at %d", payload, p.pos)
	}
	return node, nil
}

func (p *pdbParser) parseQuery() (*pdbNode, error) {
	left, err := p.parseItem()
	if err != nil {
		return nil, err
	}
	node := left
	for {
		p.skipSpace()
		op, ok := p.peekKeyword("and", "or")
		if !ok {
			break
		}
		p.consumeKeyword(op)
		rhs, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		node = &pdbNode{op: op, children: []*pdbNode{node, rhs}}
	}
	return node, nil
}

func (p *pdbParser) parseItem() (*pdbNode, error) {
	p.skipSpace()
	neg := false
	if p.peekByte('!') {
		neg = true
		p.pos++
		p.skipSpace()
	}
	if p.peekByte('(') {
		p.pos++
		inner, err := p.parseQuery()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.peekByte(')') {
			return nil, fmt.Errorf("expected ')' at %d", p.pos)
		}
		p.pos++
		inner.neg = inner.neg != neg
		return inner, nil
	}
	leaf, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	return &pdbNode{leaf: leaf, neg: neg}, nil
}

func (p *pdbParser) parseAtom() (*pdbLeaf, error) {
	p.skipSpace()
	start := p.pos
	if p.pos+2 <= len(p.input) && isCategoryLetter(p.input[p.pos]) && p.input[p.pos+1] == ':' {
		cat := string(p.input[p.pos])
		p.pos += 2
		key := p.readToken()
		if key == "" {
			return nil, fmt.Errorf("expected key after %s: at %d", cat, start)
		}
		leaf := &pdbLeaf{category: cat, key: key}
		if p.peekByte('@') {
			p.pos++
			leaf.field = p.readToken()
		} else if p.peekByte('%') {
			p.pos++
			leaf.param = p.readToken()
		}
		p.skipSpace()
		if op, ok := p.peekOp(); ok {
			p.pos += len(op)
			leaf.op = op
			p.skipSpace()
			val, isRegex, err := p.readValue()
			if err != nil {
				return nil, err
			}
			if op == "~" && leaf.param != "" {
				return nil, fmt.Errorf("regex match not allowed on resource parameters (API v3)")
			}
			leaf.value = val
			leaf.isRegex = isRegex
		}
		applyShortcut(leaf)
		return leaf, nil
	}

	// Bare host pattern.
	tok := p.readToken()
	if tok == "" {
		return nil, fmt.Errorf("expected atom at %d", start)
	}
	return &pdbLeaf{hostPattern: tok}, nil
}

// applyShortcut expands C:Name, O:Mod, P:Mod into the equivalent R:Class
// comparison, auto-capitalizing the first path segment unless the value
// is a regex.
func applyShortcut(leaf *pdbLeaf) {
	var classPrefix string
	switch leaf.category {
	case "C":
		classPrefix = ""
	case "O":
		classPrefix = "Role::"
	case "P":
		classPrefix = "Profile::"
	default:
		return
	}
	value := leaf.key
	if !leaf.isRegex {
		value = capitalizeFirstSegment(value)
	}
	leaf.category = "R"
	leaf.key = "Class"
	leaf.op = "="
	leaf.value = classPrefix + value
}

func capitalizeFirstSegment(s string) string {
	parts := strings.SplitN(s, "::", 2)
	if len(parts[0]) == 0 {
		return s
	}
	parts[0] = strings.ToUpper(parts[0][:1]) + parts[0][1:]
	return strings.Join(parts, "::")
}

func isCategoryLetter(b byte) bool {
	switch b {
	case 'F', 'R', 'C', 'O', 'P':
		return true
	}
	return false
}

func (p *pdbParser) peekByte(b byte) bool {
	return p.pos < len(p.input) && p.input[p.pos] == b
}

func (p *pdbParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *pdbParser) peekKeyword(kws ...string) (string, bool) {
	rest := p.input[p.pos:]
	for _, kw := range kws {
		if len(rest) >= len(kw) && strings.EqualFold(rest[:len(kw)], kw) {
			after := len(kw)
			if after == len(rest) || rest[after] == ' ' || rest[after] == '(' || rest[after] == '!' {
				return kw, true
			}
		}
	}
	return "", false
}

func (p *pdbParser) consumeKeyword(kw string) { p.pos += len(kw) }

var pdbOps = []string{">=", "<=", "<", ">", "=", "~"}

func (p *pdbParser) peekOp() (string, bool) {
	rest := p.input[p.pos:]
	for _, op := range pdbOps {
		if strings.HasPrefix(rest, op) {
			return op, true
		}
	}
	return "", false
}

// readToken reads a bare identifier/host-pattern token: everything up to
// a space, a paren, '@', '%', the start of a comparison operator, or end
// of input.
func (p *pdbParser) readToken() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '(' || c == ')' || c == '@' || c == '%' {
			break
		}
		if _, ok := p.peekOp(); ok {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

// readValue reads either a double-quoted string (honoring doubled
// backslashes for regex literals) or a bare token.
func (p *pdbParser) readValue() (string, bool, error) {
	if p.peekByte('"') {
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) {
			c := p.input[p.pos]
			if c == '\\' && p.pos+1 < len(p.input) {
				sb.WriteByte(p.input[p.pos+1])
				p.pos += 2
				continue
			}
			if c == '"' {
				p.pos++
				return sb.String(), true, nil
			}
			sb.WriteByte(c)
			p.pos++
		}
		return "", false, fmt.Errorf("unterminated string literal")
	}
	return p.readToken(), false, nil
}

// compilePuppetDBAST turns the parsed tree into the nested-array query
// shape the PuppetDB query API expects, e.g. ["and", ["=", "certname",
// "x"], ["~", ["fact", "osfamily"], "RedHat"]].
func compilePuppetDBAST(n *pdbNode) any {
	var q any
	switch {
	case n.op != "":
		var children []any
		for _, c := range n.children {
			children = append(children, compilePuppetDBAST(c))
		}
		q = append([]any{n.op}, children...)
	default:
		q = compilePuppetDBLeaf(n.leaf)
	}
	if n.neg {
		return []any{"not", q}
	}
	return q
}

func compilePuppetDBLeaf(l *pdbLeaf) any {
	if l.hostPattern != "" {
		return []any{"=", "certname", l.hostPattern}
	}

	field := fieldSelector(l.category, l.key, l.field, l.param)
	if l.op == "" {
		return field
	}
	op := l.op
	if op == "~" {
		op = "~"
	}
	return []any{op, field, l.value}
}

func fieldSelector(category, key, field, param string) any {
	switch category {
	case "F":
		return []any{"fact", key}
	case "R":
		if param != "" {
			return []any{"parameter", param}
		}
		if field != "" {
			return []any{field}
		}
		return []any{"type", key}
	default:
		return []any{category, key}
	}
}
