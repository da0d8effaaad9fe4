package nodeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RangeExpansion(t *testing.T) {
	ns, err := Parse("host[10-12,50].dom")
	require.NoError(t, err)
	assert.Equal(t, 4, ns.Len())
	for _, h := range []string{"host10.dom", "host11.dom", "host12.dom", "host50.dom"} {
		assert.True(t, ns.Contains(h), h)
	}
}

func TestParse_ZeroPadding(t *testing.T) {
	ns, err := Parse("host[08-10]")
	require.NoError(t, err)
	assert.True(t, ns.Contains("host08"))
	assert.True(t, ns.Contains("host09"))
	assert.True(t, ns.Contains("host10"))
}

func TestParse_CartesianProduct(t *testing.T) {
	ns, err := Parse("rack[1-2]-host[1-2]")
	require.NoError(t, err)
	assert.Equal(t, 4, ns.Len())
	for _, h := range []string{"rack1-host1", "rack1-host2", "rack2-host1", "rack2-host2"} {
		assert.True(t, ns.Contains(h), h)
	}
}

func TestParse_Operators(t *testing.T) {
	a, err := Parse("host[1-5]")
	require.NoError(t, err)

	union, err := Parse("host[1-3] | host[4-6]")
	require.NoError(t, err)
	assert.Equal(t, 6, union.Len())

	inter, err := Parse("host[1-5] & host[3-7]")
	require.NoError(t, err)
	assert.True(t, inter.Equal(New("host3", "host4", "host5")))

	diff, err := Parse("host[1-5] - host[3-7]")
	require.NoError(t, err)
	assert.True(t, diff.Equal(New("host1", "host2")))

	symdiff, err := Parse("host[1-5] ^ host[3-7]")
	require.NoError(t, err)
	assert.True(t, symdiff.Equal(New("host1", "host2", "host6", "host7")))

	_ = a
}

func TestParse_HyphenatedHostnameNotAnOperator(t *testing.T) {
	ns, err := Parse("web-01")
	require.NoError(t, err)
	assert.True(t, ns.Contains("web-01"))
	assert.Equal(t, 1, ns.Len())
}

func TestParse_MalformedLiteral(t *testing.T) {
	_, err := Parse("host[5-2]")
	assert.Error(t, err)

	_, err = Parse("host[abc]")
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	ns, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, 0, ns.Len())
	assert.Equal(t, "", ns.String())
}

// Invariant #1: parse(render(S)) == S for every well-formed NodeSet S.
func TestRoundTrip(t *testing.T) {
	cases := []NodeSet{
		New(),
		New("solo"),
		New("host1", "host2", "host3"),
		New("host08", "host09", "host10"),
		New("a1", "a2", "a3", "b7"),
		New("web-01", "web-02", "db1"),
	}
	for _, ns := range cases {
		rendered := ns.String()
		back, err := Parse(rendered)
		require.NoError(t, err, rendered)
		assert.True(t, ns.Equal(back), "round trip failed for %q -> %q", ns.Hosts(), rendered)
	}
}

func TestRender_Refold(t *testing.T) {
	ns := New("host08", "host09", "host10", "host50")
	assert.Equal(t, "host[08-10,50]", ns.String())
}

func TestRender_MixedPrefixes(t *testing.T) {
	ns := New("a1", "a2", "b1")
	rendered := ns.String()
	back, err := Parse(rendered)
	require.NoError(t, err)
	assert.True(t, ns.Equal(back))
}
