package transport

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/freitascorp/cumin/pkg/command"
)

// LocalTransport runs commands as subprocesses on the machine cumin
// itself is running on, via /bin/sh -c. Used for the "transport: local"
// configuration and in tests; it ignores the host argument entirely.
type LocalTransport struct {
	Shell string // defaults to /bin/sh
}

// NewLocalTransport builds a LocalTransport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{Shell: "/bin/sh"}
}

func (t *LocalTransport) Run(ctx context.Context, host string, cmd command.Command) (int, []byte, []byte, error) {
	shell := t.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Text)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if err == nil {
		return 0, stdout.Bytes(), stderr.Bytes(), nil
	}

	if ctx.Err() != nil {
		return -1, stdout.Bytes(), stderr.Bytes(), ctx.Err()
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout.Bytes(), stderr.Bytes(), nil
	}
	return -1, stdout.Bytes(), stderr.Bytes(), err
}
