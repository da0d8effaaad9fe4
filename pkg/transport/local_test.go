package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/command"
)

func mustCommand(t *testing.T, text string) command.Command {
	t.Helper()
	c, err := command.New(text)
	require.NoError(t, err)
	return c
}

func TestLocalTransport_CapturesStdout(t *testing.T) {
	lt := NewLocalTransport()
	code, stdout, _, err := lt.Run(context.Background(), "irrelevant", mustCommand(t, "echo hello"))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", string(stdout))
}

func TestLocalTransport_NonZeroExitCode(t *testing.T) {
	lt := NewLocalTransport()
	code, _, _, err := lt.Run(context.Background(), "irrelevant", mustCommand(t, "exit 7"))
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestLocalTransport_CapturesStderr(t *testing.T) {
	lt := NewLocalTransport()
	_, _, stderr, err := lt.Run(context.Background(), "irrelevant", mustCommand(t, "echo oops >&2"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(stderr))
}

func TestLocalTransport_TimeoutSurfacesContextError(t *testing.T) {
	lt := NewLocalTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, _, err := lt.Run(ctx, "irrelevant", mustCommand(t, "sleep 2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
