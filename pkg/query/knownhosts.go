package query

import (
	"context"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
)

// KnownHostsBackend resolves against the union of host names found in one
// or more SSH known_hosts files. Its grammar is identical to Direct's;
// each atom is expanded and then restricted to that universe. Hashed
// entries (the "|1|salt|hash" form) cannot be listed and are skipped.
type KnownHostsBackend struct {
	universe nodeset.NodeSet
}

// NewKnownHostsBackend parses the given known_hosts files and builds the
// backend's host universe.
func NewKnownHostsBackend(files ...string) (*KnownHostsBackend, error) {
	var hosts []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading known_hosts file %q", path)
		}
		hosts = append(hosts, parseKnownHostsHosts(data)...)
	}
	return &KnownHostsBackend{universe: nodeset.New(hosts...)}, nil
}

// parseKnownHostsHosts walks every entry in a known_hosts file, collecting
// plain host names and skipping hashed ones.
func parseKnownHostsHosts(data []byte) []string {
	var hosts []string
	rest := data
	for len(rest) > 0 {
		_, entryHosts, _, _, next, err := ssh.ParseKnownHosts(rest)
		if err != nil {
			break
		}
		for _, h := range entryHosts {
			if strings.HasPrefix(h, "|1|") {
				continue // hashed entry, cannot be listed
			}
			h = strings.TrimPrefix(h, "[")
			if idx := strings.Index(h, "]"); idx >= 0 {
				h = h[:idx]
			}
			hosts = append(hosts, h)
		}
		rest = next
	}
	return hosts
}

func (b *KnownHostsBackend) Prefix() string { return "K" }

func (b *KnownHostsBackend) Resolve(ctx context.Context, payload string) (nodeset.NodeSet, error) {
	ast, err := parseBoolExpr(payload)
	if err != nil {
		return nodeset.NodeSet{}, cuminerrors.FromParticipleError(err, "knownhosts backend")
	}
	resolve := func(atom string) (nodeset.NodeSet, error) {
		expanded, err := nodeset.Parse(atom)
		if err != nil {
			return nodeset.NodeSet{}, err
		}
		return expanded.Intersect(b.universe), nil
	}
	ns, err := evalDirect(ast, resolve)
	if err != nil {
		return nodeset.NodeSet{}, cuminerrors.Wrap(cuminerrors.InvalidQuery, err, "knownhosts backend: evaluating %q", payload)
	}
	return ns, nil
}
