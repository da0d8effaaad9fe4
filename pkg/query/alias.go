package query

// AliasTable maps an alias name to the composite query string it stands
// for. It is loaded once and read-only for the lifetime of a resolver.
type AliasTable struct {
	aliases map[string]string
}

// NewAliasTable builds an AliasTable from a name -> query-string mapping.
func NewAliasTable(m map[string]string) AliasTable {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return AliasTable{aliases: cp}
}

// Lookup returns the query string an alias name expands to.
func (t AliasTable) Lookup(name string) (string, bool) {
	q, ok := t.aliases[name]
	return q, ok
}
