// Package command defines the Command value object: a single shell
// command plus the timeout and exit-code criteria the executor uses to
// judge whether it succeeded on a given host.
package command

import (
	"time"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// Command is a shell command plus its acceptability criteria. The zero
// value is not valid; build one with New.
type Command struct {
	Text    string
	Timeout time.Duration // zero means no per-command timeout
	OkCodes map[int]struct{}
}

// defaultOkCodes is the default acceptable exit-code set, {0}.
func defaultOkCodes() map[int]struct{} {
	return map[int]struct{}{0: {}}
}

// New builds a Command with text and the default ok_codes of {0} and no
// timeout. Use the With* methods to customize it.
func New(text string) (Command, error) {
	if text == "" {
		return Command{}, cuminerrors.New(cuminerrors.WorkerError, "command text must not be empty")
	}
	return Command{Text: text, OkCodes: defaultOkCodes()}, nil
}

// WithTimeout returns a copy of c with the given per-command timeout.
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// WithOkCodes returns a copy of c with an explicit ok_codes set. An empty,
// non-nil set means every exit code is acceptable.
func (c Command) WithOkCodes(codes ...int) Command {
	set := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	c.OkCodes = set
	return c
}

// AnyExitCodeOK reports whether this command accepts every exit code
// (ok_codes explicitly empty).
func (c Command) AnyExitCodeOK() bool {
	return c.OkCodes != nil && len(c.OkCodes) == 0
}

// Accepts reports whether exitCode satisfies this command's ok_codes.
func (c Command) Accepts(exitCode int) bool {
	if c.AnyExitCodeOK() {
		return true
	}
	if len(c.OkCodes) == 0 {
		// Nil/zero-value OkCodes falls back to the {0} default.
		return exitCode == 0
	}
	_, ok := c.OkCodes[exitCode]
	return ok
}

// Equal reports structural equality over text, timeout, and ok_codes.
func (c Command) Equal(other Command) bool {
	if c.Text != other.Text || c.Timeout != other.Timeout {
		return false
	}
	if len(c.OkCodes) != len(other.OkCodes) {
		return false
	}
	for code := range c.OkCodes {
		if _, ok := other.OkCodes[code]; !ok {
			return false
		}
	}
	return true
}
