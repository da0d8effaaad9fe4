package target

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/nodeset"
)

func TestNew_RejectsEmptyNodes(t *testing.T) {
	_, err := New(nodeset.NodeSet{})
	assert.Error(t, err)
}

func TestNew_DefaultBatchSizeIsFullNodeCount(t *testing.T) {
	ns := nodeset.New("a", "b", "c")
	tgt, err := New(ns)
	require.NoError(t, err)
	assert.Equal(t, 3, tgt.BatchSize())
	assert.Equal(t, time.Duration(0), tgt.BatchSleep())
}

func TestWithBatchSize_Absolute(t *testing.T) {
	ns := nodeset.New("a", "b", "c", "d", "e")
	tgt, err := New(ns, WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 2, tgt.BatchSize())
}

func TestWithBatchSizeRatio_CeilsAndMinimumsOne(t *testing.T) {
	ns := nodeset.New("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	tgt, err := New(ns, WithBatchSizeRatio(0.21))
	require.NoError(t, err)
	assert.Equal(t, 3, tgt.BatchSize()) // ceil(0.21*10) = 3

	tiny := nodeset.New("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	tgt2, err := New(tiny, WithBatchSizeRatio(0.01))
	require.NoError(t, err)
	assert.Equal(t, 1, tgt2.BatchSize())
}

func TestWithBatchSleep(t *testing.T) {
	ns := nodeset.New("a")
	tgt, err := New(ns, WithBatchSleep(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, tgt.BatchSleep())
}

func TestNodes_ReturnsConstructorArgument(t *testing.T) {
	ns := nodeset.New("a", "b")
	tgt, err := New(ns)
	require.NoError(t, err)
	assert.True(t, ns.Equal(tgt.Nodes()))
}
