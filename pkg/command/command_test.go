package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyText(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestNew_DefaultOkCodes(t *testing.T) {
	c, err := New("echo hi")
	require.NoError(t, err)
	assert.True(t, c.Accepts(0))
	assert.False(t, c.Accepts(1))
	assert.False(t, c.AnyExitCodeOK())
}

func TestWithOkCodes_EmptyMeansAny(t *testing.T) {
	c, err := New("flaky")
	require.NoError(t, err)
	c = c.WithOkCodes()
	assert.True(t, c.AnyExitCodeOK())
	assert.True(t, c.Accepts(0))
	assert.True(t, c.Accepts(137))
}

func TestWithTimeout(t *testing.T) {
	c, _ := New("sleep 5")
	c = c.WithTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, c.Timeout)
}

func TestEqual(t *testing.T) {
	a, _ := New("echo hi")
	b, _ := New("echo hi")
	assert.True(t, a.Equal(b))

	c := b.WithOkCodes(0, 1)
	assert.False(t, a.Equal(c))
}
