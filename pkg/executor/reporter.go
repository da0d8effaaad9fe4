package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/freitascorp/cumin/pkg/command"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/target"
)

// Stream identifies which output stream a chunk of bytes came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// GroupedOutput pairs a set of hosts with the output blob they all
// produced identically, the unit the default reporter prints per group.
type GroupedOutput struct {
	Hosts  nodeset.NodeSet
	Output []byte
}

// Reporter receives ordered output events from a run. Event order per
// host is generation order; there is no cross-host ordering guarantee
// beyond RunStarted first and RunFinished last.
type Reporter interface {
	RunStarted(tgt target.Target, commands []command.Command)
	HostStarted(host string, commandIndex int)
	HostOutput(host string, commandIndex int, stream Stream, data []byte)
	HostFinished(host string, commandIndex int, exitCode int, state NodeState)
	RunFinished(exitCode int, grouped []GroupedOutput)
}

// QuietReporter discards everything except the final exit code, which
// it writes nowhere — callers read it off Run's return value. Useful
// for scripted invocations that only care about the process exit code.
type QuietReporter struct{}

func (QuietReporter) RunStarted(target.Target, []command.Command)            {}
func (QuietReporter) HostStarted(string, int)                                {}
func (QuietReporter) HostOutput(string, int, Stream, []byte)                 {}
func (QuietReporter) HostFinished(string, int, int, NodeState)               {}
func (QuietReporter) RunFinished(int, []GroupedOutput)                       {}

// TextReporter streams each host's output to w as it arrives, prefixed
// with the host name, the way a plain SSH fan-out tool would.
type TextReporter struct {
	w  io.Writer
	mu sync.Mutex
}

func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w}
}

func (r *TextReporter) RunStarted(tgt target.Target, commands []command.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "running %d command(s) against %d host(s)\n", len(commands), tgt.Nodes().Len())
}

func (r *TextReporter) HostStarted(host string, commandIndex int) {}

func (r *TextReporter) HostOutput(host string, commandIndex int, stream Stream, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s (%s): %s", host, stream, data)
}

func (r *TextReporter) HostFinished(host string, commandIndex int, exitCode int, state NodeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s: command %d exited %d (%s)\n", host, commandIndex, exitCode, state)
}

func (r *TextReporter) RunFinished(exitCode int, grouped []GroupedOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "run finished, exit code %d\n", exitCode)
}

// GroupedReporter is the default human-readable reporter: for more than
// one host it stays silent during the run and prints one block per
// distinct output group at the end, the ClusterShell-style "these N
// hosts said the same thing" summary. Against a single host there is
// nothing to de-duplicate, so it streams output to w as it arrives
// instead of waiting for RunFinished (spec.md §4.8's single-host fast
// path).
type GroupedReporter struct {
	w          io.Writer
	mu         sync.Mutex
	singleHost bool
}

func NewGroupedReporter(w io.Writer) *GroupedReporter {
	return &GroupedReporter{w: w}
}

func (r *GroupedReporter) RunStarted(tgt target.Target, commands []command.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singleHost = tgt.Nodes().Len() == 1
}

func (r *GroupedReporter) HostStarted(host string, commandIndex int) {}

func (r *GroupedReporter) HostOutput(host string, commandIndex int, stream Stream, data []byte) {
	if !r.singleHost || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Write(data)
}

func (r *GroupedReporter) HostFinished(host string, commandIndex int, exitCode int, state NodeState) {
}

func (r *GroupedReporter) RunFinished(exitCode int, grouped []GroupedOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.singleHost {
		for _, g := range grouped {
			fmt.Fprintf(r.w, "---- %s ----\n", g.Hosts.String())
			r.w.Write(g.Output)
			if len(g.Output) == 0 || g.Output[len(g.Output)-1] != '\n' {
				fmt.Fprintln(r.w)
			}
		}
	}
	fmt.Fprintf(r.w, "exit code: %d\n", exitCode)
}

// JSONReporter emits one JSON object per event, newline-delimited, for
// machine consumption.
type JSONReporter struct {
	w  io.Writer
	mu sync.Mutex
}

func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{w: w}
}

func (r *JSONReporter) emit(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.w.Write(b)
	fmt.Fprintln(r.w)
}

func (r *JSONReporter) RunStarted(tgt target.Target, commands []command.Command) {
	r.emit(map[string]any{
		"event":    "run_started",
		"hosts":    tgt.Nodes().Len(),
		"commands": len(commands),
	})
}

func (r *JSONReporter) HostStarted(host string, commandIndex int) {
	r.emit(map[string]any{"event": "host_started", "host": host, "command_index": commandIndex})
}

func (r *JSONReporter) HostOutput(host string, commandIndex int, stream Stream, data []byte) {
	r.emit(map[string]any{
		"event":         "host_output",
		"host":          host,
		"command_index": commandIndex,
		"stream":        stream.String(),
		"data":          string(data),
	})
}

func (r *JSONReporter) HostFinished(host string, commandIndex int, exitCode int, state NodeState) {
	r.emit(map[string]any{
		"event":         "host_finished",
		"host":          host,
		"command_index": commandIndex,
		"exit_code":     exitCode,
		"state":         state.String(),
	})
}

func (r *JSONReporter) RunFinished(exitCode int, grouped []GroupedOutput) {
	groups := make([]map[string]any, 0, len(grouped))
	for _, g := range grouped {
		groups = append(groups, map[string]any{
			"hosts":  g.Hosts.String(),
			"output": string(g.Output),
		})
	}
	r.emit(map[string]any{"event": "run_finished", "exit_code": exitCode, "groups": groups})
}
