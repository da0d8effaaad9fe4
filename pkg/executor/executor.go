// Package executor drives commands across a Target's hosts with a
// sliding-window scheduler, a per-host state machine, two ordering
// modes, configurable success thresholds, per-command timeouts, and
// output de-duplication.
package executor

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/freitascorp/cumin/pkg/command"
	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/target"
)

// Mode selects the ordering discipline: synchronous per-command
// barriers, or independent per-host pipelines.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Transport executes one command on one host and returns its result.
// Implementations: an SSH transport for remote hosts, a local
// subprocess transport for development and tests.
type Transport interface {
	Run(ctx context.Context, host string, cmd command.Command) (exitCode int, stdout, stderr []byte, err error)
}

// Config carries the per-run knobs that are otherwise constant across
// the whole executor lifetime.
type Config struct {
	Mode             Mode
	SuccessThreshold float64 // exit 0 iff success share >= this; the zero value accepts any share (the CLI passes 1.0 by default)
	Fanout           int     // max simultaneously running hosts, default 64
	GlobalTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Fanout <= 0 {
		c.Fanout = 64
	}
	return c
}

// Executor fans a command list out across a target's hosts.
type Executor struct {
	transport Transport
	reporter  Reporter
	logger    *slog.Logger

	mu      sync.Mutex
	states  map[string]NodeState
	outputs map[string][]byte // accumulated stdout+stderr per host, across commands
}

// New builds an Executor. reporter may be nil, in which case a
// QuietReporter is used.
func New(transport Transport, reporter Reporter, logger *slog.Logger) *Executor {
	if reporter == nil {
		reporter = QuietReporter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{transport: transport, reporter: reporter, logger: logger}
}

// Run executes commands against tgt's hosts and returns the run's exit
// code: 0 if the success share meets cfg.SuccessThreshold, 2 otherwise.
// A run whose caller's ctx is cancelled also returns 2.
func (e *Executor) Run(ctx context.Context, tgt target.Target, commands []command.Command, cfg Config) (int, error) {
	if len(commands) == 0 {
		return 0, cuminerrors.New(cuminerrors.WorkerError, "no commands to execute")
	}
	hosts := tgt.Nodes().Hosts()
	if len(hosts) == 0 {
		return 0, cuminerrors.New(cuminerrors.WorkerError, "target has no hosts")
	}
	cfg = cfg.withDefaults()

	e.states = make(map[string]NodeState, len(hosts))
	e.outputs = make(map[string][]byte, len(hosts))
	for _, h := range hosts {
		e.states[h] = StatePending
	}

	parent := ctx
	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	e.reporter.RunStarted(tgt, commands)

	fanoutSem := semaphore.NewWeighted(int64(cfg.Fanout))

	switch cfg.Mode {
	case ModeAsync:
		e.runAsync(ctx, hosts, commands, tgt.BatchSize(), tgt.BatchSleep(), cfg, fanoutSem)
	default:
		e.runSync(ctx, hosts, commands, tgt.BatchSize(), tgt.BatchSleep(), cfg, fanoutSem)
	}

	exitCode := e.finalExitCode(len(hosts), cfg.SuccessThreshold)
	if parent.Err() != nil {
		exitCode = 2
	}
	e.reporter.RunFinished(exitCode, e.groupOutputs(hosts))
	return exitCode, nil
}

// ------------------------------------------------------------------
// sync mode
// ------------------------------------------------------------------

func (e *Executor) runSync(ctx context.Context, hosts []string, commands []command.Command, batchSize int, batchSleep time.Duration, cfg Config, fanoutSem *semaphore.Weighted) {
	cohort := append([]string(nil), hosts...)

	for cmdIdx, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		if len(cohort) == 0 {
			return
		}

		e.setStates(cohort, StateScheduled)
		window := batchSize
		if window <= 0 || window > cfg.Fanout {
			window = cfg.Fanout
		}
		e.runCohort(ctx, cohort, cmdIdx, cmd, window, batchSleep, fanoutSem)

		if ctx.Err() != nil {
			return
		}

		share := e.currentSuccessShare(len(hosts))
		if share < cfg.SuccessThreshold {
			return // abort: remaining hosts keep their last state
		}

		next := make([]string, 0, len(cohort))
		e.mu.Lock()
		for _, h := range cohort {
			if e.states[h] == StateSuccess {
				next = append(next, h)
			}
		}
		e.mu.Unlock()
		cohort = next
	}
}

// runCohort dispatches cmd to every host in cohort using a sliding
// window of size window, starting the next host batchSleep after the
// previous one, and never exceeding the global fanout cap.
func (e *Executor) runCohort(ctx context.Context, cohort []string, cmdIdx int, cmd command.Command, window int, batchSleep time.Duration, fanoutSem *semaphore.Weighted) {
	if window <= 0 {
		window = len(cohort)
	}
	local := make(chan struct{}, window)
	var wg sync.WaitGroup

	for i, host := range cohort {
		if ctx.Err() != nil {
			break
		}
		local <- struct{}{}
		if err := fanoutSem.Acquire(ctx, 1); err != nil {
			<-local
			break
		}
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			defer fanoutSem.Release(1)
			defer func() { <-local }()
			e.runOne(ctx, h, cmdIdx, cmd)
		}(host)

		if i < len(cohort)-1 && batchSleep > 0 {
			select {
			case <-time.After(batchSleep):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
}

// ------------------------------------------------------------------
// async mode
// ------------------------------------------------------------------

func (e *Executor) runAsync(ctx context.Context, hosts []string, commands []command.Command, batchSize int, batchSleep time.Duration, cfg Config, fanoutSem *semaphore.Weighted) {
	window := batchSize
	if window <= 0 || window > cfg.Fanout {
		window = cfg.Fanout
	}
	local := make(chan struct{}, window)
	var wg sync.WaitGroup

	total := len(hosts)
	for i, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		if e.thresholdUnreachable(total, cfg.SuccessThreshold) {
			break // no point launching more hosts, remaining stay pending
		}

		local <- struct{}{}
		if err := fanoutSem.Acquire(ctx, 1); err != nil {
			<-local
			break
		}
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			defer fanoutSem.Release(1)
			defer func() { <-local }()
			e.runHostPipeline(ctx, h, commands)
		}(host)

		if i < len(hosts)-1 && batchSleep > 0 {
			select {
			case <-time.After(batchSleep):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
}

// runHostPipeline runs every command on host in order, stopping at the
// first failure or timeout.
func (e *Executor) runHostPipeline(ctx context.Context, host string, commands []command.Command) {
	e.setState(host, StateScheduled)
	e.setState(host, StateRunning)

	for cmdIdx, cmd := range commands {
		exitCode, state := e.execute(ctx, host, cmdIdx, cmd)
		if state != StateSuccess {
			e.finishHost(host, state)
			return
		}
		_ = exitCode
	}
	e.finishHost(host, StateSuccess)
}

// ------------------------------------------------------------------
// shared single-command execution
// ------------------------------------------------------------------

// runOne runs cmd on host for sync mode's per-phase cohort dispatch,
// transitioning the host to its terminal per-command state.
func (e *Executor) runOne(ctx context.Context, host string, cmdIdx int, cmd command.Command) {
	e.setState(host, StateRunning)
	_, state := e.execute(ctx, host, cmdIdx, cmd)
	e.finishHost(host, state)
}

// execute runs a single command on host, reports its output, and
// returns the exit code and the resulting per-command NodeState
// (Success, Failed, or Timeout).
func (e *Executor) execute(ctx context.Context, host string, cmdIdx int, cmd command.Command) (int, NodeState) {
	e.reporter.HostStarted(host, cmdIdx)

	cmdCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	exitCode, stdout, stderr, err := e.transport.Run(cmdCtx, host, cmd)

	if len(stdout) > 0 {
		e.reporter.HostOutput(host, cmdIdx, StreamStdout, stdout)
	}
	if len(stderr) > 0 {
		e.reporter.HostOutput(host, cmdIdx, StreamStderr, stderr)
	}
	e.appendOutput(host, stdout)
	e.appendOutput(host, stderr)

	var state NodeState
	switch {
	case err != nil && cmdCtx.Err() == context.DeadlineExceeded:
		state = StateTimeout
	case err != nil:
		state = StateFailed
	case cmd.Accepts(exitCode):
		state = StateSuccess
	default:
		state = StateFailed
	}

	e.reporter.HostFinished(host, cmdIdx, exitCode, state)
	return exitCode, state
}

// ------------------------------------------------------------------
// state + accounting helpers
// ------------------------------------------------------------------

func (e *Executor) setState(host string, to NodeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.states[host]
	if from == to {
		return
	}
	if !validTransition(from, to) {
		// Defensive: an invalid transition request never regresses
		// accounting. It can happen if a cancelled context races a
		// terminal state being set concurrently.
		return
	}
	e.states[host] = to
}

func (e *Executor) setStates(hosts []string, to NodeState) {
	for _, h := range hosts {
		e.setState(h, to)
	}
}

// finishHost moves host into a terminal state.
func (e *Executor) finishHost(host string, to NodeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.states[host]
	if from.Terminal() {
		return
	}
	if !validTransition(from, to) {
		return
	}
	e.states[host] = to
}

func (e *Executor) appendOutput(host string, data []byte) {
	if len(data) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[host] = append(e.outputs[host], data...)
}

// currentSuccessShare recomputes the success share directly from the
// current states map rather than a running counter: in sync mode a host
// moves success->scheduled between commands (§4.7), so a monotonically
// incremented counter would overcount past successes that no longer
// reflect the active cohort's state.
func (e *Executor) currentSuccessShare(total int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if total == 0 {
		return 1
	}
	n := 0
	for _, s := range e.states {
		if s == StateSuccess {
			n++
		}
	}
	return float64(n) / float64(total)
}

// thresholdUnreachable reports whether enough hosts have already
// terminated in failure that no further scheduling could bring the
// success share up to threshold, even if every remaining host succeeds.
func (e *Executor) thresholdUnreachable(total int, threshold float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if total == 0 {
		return false
	}
	failed := 0
	for _, s := range e.states {
		if s == StateFailed || s == StateTimeout {
			failed++
		}
	}
	maxPossible := float64(total-failed) / float64(total)
	return maxPossible < threshold
}

func (e *Executor) finalExitCode(total int, threshold float64) int {
	if e.currentSuccessShare(total) >= threshold {
		return 0
	}
	return 2
}

// State returns host's current NodeState. Safe to call concurrently
// with a run in progress.
func (e *Executor) State(host string) NodeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[host]
}

// groupOutputs hashes each host's accumulated output blob and groups
// hosts that produced byte-identical output, the de-duplication step
// feeding RunFinished's grouped_outputs.
func (e *Executor) groupOutputs(hosts []string) []GroupedOutput {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(hosts) == 1 {
		// Single-host fast path: there is nothing else to de-duplicate
		// against, so skip the hashing step entirely.
		h := hosts[0]
		return []GroupedOutput{{Hosts: nodeset.New(h), Output: e.outputs[h]}}
	}

	byHash := make(map[[32]byte]*GroupedOutput)
	var order [][32]byte
	for _, h := range hosts {
		data := e.outputs[h]
		sum := sha256.Sum256(data)
		g, ok := byHash[sum]
		if !ok {
			g = &GroupedOutput{Hosts: nodeset.New(), Output: data}
			byHash[sum] = g
			order = append(order, sum)
		}
		g.Hosts = g.Hosts.Union(nodeset.New(h))
	}

	out := make([]GroupedOutput, 0, len(order))
	for _, sum := range order {
		out = append(out, *byHash[sum])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hosts.String() < out[j].Hosts.String() })
	return out
}
