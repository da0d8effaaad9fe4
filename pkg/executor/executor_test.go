package executor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/command"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/target"
)

// scriptedTransport always succeeds, optionally after a fixed delay,
// and tracks the peak number of concurrently in-flight Run calls.
type scriptedTransport struct {
	delay time.Duration

	inflight int32
	peak     int32
}

func (t *scriptedTransport) Run(ctx context.Context, host string, cmd command.Command) (int, []byte, []byte, error) {
	cur := atomic.AddInt32(&t.inflight, 1)
	for {
		p := atomic.LoadInt32(&t.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&t.peak, p, cur) {
			break
		}
	}
	defer atomic.AddInt32(&t.inflight, -1)

	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return -1, nil, nil, ctx.Err()
		}
	}

	return 0, []byte(fmt.Sprintf("%s says ok\n", host)), nil, nil
}

// exactTransport returns a deterministic exit code per host and
// command index, looked up from a table built by the test.
type exactTransport struct {
	mu    sync.Mutex
	table map[string]map[int]int
}

func newExactTransport() *exactTransport {
	return &exactTransport{table: map[string]map[int]int{}}
}

func (t *exactTransport) set(host string, cmdIdx int, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.table[host] == nil {
		t.table[host] = map[int]int{}
	}
	t.table[host][cmdIdx] = exitCode
}

func (t *exactTransport) Run(ctx context.Context, host string, cmd command.Command) (int, []byte, []byte, error) {
	t.mu.Lock()
	code := 0
	if byIdx, ok := t.table[host]; ok {
		code = byIdx[cmdIndexFromCommand(cmd)]
	}
	t.mu.Unlock()
	return code, []byte("a\n"), nil, nil
}

// cmdIndexFromCommand is a test-only shim: the table is keyed by the
// position a command occupies in the slice passed to Run, recovered
// here by comparing text since the executor does not pass the index
// through Transport.
func cmdIndexFromCommand(cmd command.Command) int { return cmdTextToIndex[cmd.Text] }

var cmdTextToIndex = map[string]int{}

func mustCommand(t *testing.T, text string) command.Command {
	t.Helper()
	c, err := command.New(text)
	require.NoError(t, err)
	return c
}

func TestExecutor_SyncAllSucceed(t *testing.T) {
	ns, err := nodeset.Parse("host[1-5].d")
	require.NoError(t, err)
	tgt, err := target.New(ns)
	require.NoError(t, err)

	transport := &scriptedTransport{}
	exec := New(transport, nil, nil)

	cmd := mustCommand(t, "echo a")
	exitCode, err := exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)

	for _, h := range ns.Hosts() {
		assert.Equal(t, StateSuccess, exec.State(h))
	}
}

func TestExecutor_SyncOneHostFails(t *testing.T) {
	ns, err := nodeset.Parse("host[1-5].d")
	require.NoError(t, err)
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["echo a"] = 0
	transport := newExactTransport()
	transport.set("host3.d", 0, 1)

	exec := New(transport, nil, nil)
	cmd := mustCommand(t, "echo a")
	exitCode, err := exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)
	assert.Equal(t, 2, exitCode)
	assert.Equal(t, StateFailed, exec.State("host3.d"))
	assert.Equal(t, StateSuccess, exec.State("host1.d"))
}

func TestExecutor_SyncMultiCommandLaterCommandFails(t *testing.T) {
	// 3 hosts, 2 commands, threshold 1.0: all hosts succeed command 1,
	// then host3 fails command 2. The per-phase success share must be
	// recomputed from the current cohort, not accumulated across
	// commands, or a stale success from command 1 masks command 2's
	// failure and the run wrongly reports success.
	ns := nodeset.New("host1.d", "host2.d", "host3.d")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["cmd1"] = 0
	cmdTextToIndex["cmd2"] = 1
	transport := newExactTransport()
	transport.set("host3.d", 1, 1)

	exec := New(transport, nil, nil)
	commands := []command.Command{mustCommand(t, "cmd1"), mustCommand(t, "cmd2")}
	exitCode, err := exec.Run(context.Background(), tgt, commands, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)

	assert.Equal(t, 2, exitCode)
	assert.Equal(t, StateFailed, exec.State("host3.d"))
	assert.Equal(t, StateSuccess, exec.State("host1.d"))
	assert.Equal(t, StateSuccess, exec.State("host2.d"))
}

func TestExecutor_AsyncThresholdScenario(t *testing.T) {
	// 4 hosts, 3 commands, host2 fails command index 1 with exit 5 and
	// default ok_codes {0}; the other three hosts run all 3 commands
	// and succeed: 3/4 = 75% success.
	ns := nodeset.New("host1", "host2", "host3", "host4")
	tgt, err := target.New(ns, target.WithBatchSize(2))
	require.NoError(t, err)

	cmdTextToIndex["cmd0"] = 0
	cmdTextToIndex["cmd1"] = 1
	cmdTextToIndex["cmd2"] = 2

	transport := newExactTransport()
	transport.set("host2", 1, 5)

	commands := []command.Command{
		mustCommand(t, "cmd0"),
		mustCommand(t, "cmd1"),
		mustCommand(t, "cmd2"),
	}

	run := func(threshold float64) int {
		exec := New(transport, nil, nil)
		exitCode, err := exec.Run(context.Background(), tgt, commands, Config{Mode: ModeAsync, SuccessThreshold: threshold})
		require.NoError(t, err)
		return exitCode
	}

	assert.Equal(t, 0, run(0.75))
	assert.Equal(t, 2, run(0.8))
}

func TestExecutor_AsyncHostStopsAfterFailure(t *testing.T) {
	ns := nodeset.New("a", "b")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["c0"] = 0
	cmdTextToIndex["c1"] = 1

	transport := newExactTransport()
	transport.set("a", 0, 1) // fails immediately

	var ranC1 int32
	wrapped := countingTransport{inner: transport, onRun: func(host string, idx int) {
		if host == "a" && idx == 1 {
			atomic.AddInt32(&ranC1, 1)
		}
	}}

	exec := New(wrapped, nil, nil)
	commands := []command.Command{mustCommand(t, "c0"), mustCommand(t, "c1")}
	_, err = exec.Run(context.Background(), tgt, commands, Config{Mode: ModeAsync, SuccessThreshold: 0})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, exec.State("a"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ranC1))
}

type countingTransport struct {
	inner *exactTransport
	onRun func(host string, cmdIdx int)
}

func (c countingTransport) Run(ctx context.Context, host string, cmd command.Command) (int, []byte, []byte, error) {
	c.onRun(host, cmdIndexFromCommand(cmd))
	return c.inner.Run(ctx, host, cmd)
}

func TestExecutor_NeverExceedsFanout(t *testing.T) {
	hosts := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		hosts = append(hosts, fmt.Sprintf("h%02d", i))
	}
	ns := nodeset.New(hosts...)
	tgt, err := target.New(ns, target.WithBatchSize(20))
	require.NoError(t, err)

	transport := &scriptedTransport{delay: 5 * time.Millisecond}
	exec := New(transport, nil, nil)

	cmd := mustCommand(t, "echo a")
	_, err = exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0, Fanout: 4})
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&transport.peak), int32(4))
}

func TestExecutor_EmptyCommandsRejected(t *testing.T) {
	ns := nodeset.New("h1")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	exec := New(&scriptedTransport{}, nil, nil)
	_, err = exec.Run(context.Background(), tgt, nil, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	assert.Error(t, err)
}

func TestExecutor_OutputGroupingDeduplicates(t *testing.T) {
	ns := nodeset.New("h1", "h2", "h3")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["echo a"] = 0
	transport := newExactTransport()
	exec := New(transport, nil, nil)

	cmd := mustCommand(t, "echo a")
	_, err = exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)

	grouped := exec.groupOutputs(ns.Hosts())
	// exactTransport returns the same "a\n" for every host, so all three
	// hosts collapse into a single output group.
	assert.Len(t, grouped, 1)
	total := 0
	for _, g := range grouped {
		total += g.Hosts.Len()
	}
	assert.Equal(t, 3, total)
}

func TestExecutor_SingleHostStreamsThroughGroupedReporter(t *testing.T) {
	ns := nodeset.New("h1")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["echo single"] = 0
	transport := &scriptedTransport{}
	var buf bytes.Buffer
	reporter := NewGroupedReporter(&buf)
	exec := New(transport, reporter, nil)

	cmd := mustCommand(t, "echo single")
	exitCode, err := exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)

	// Streamed during the run, not buffered for a "---- hosts ----"
	// block at the end: the single-host fast path bypasses grouping.
	assert.Contains(t, buf.String(), "h1 says ok")
	assert.NotContains(t, buf.String(), "----")
	assert.Contains(t, buf.String(), "exit code: 0")
}

func TestGroupOutputs_SingleHostSkipsHashing(t *testing.T) {
	ns := nodeset.New("h1")
	tgt, err := target.New(ns)
	require.NoError(t, err)

	cmdTextToIndex["echo solo"] = 0
	transport := &scriptedTransport{}
	exec := New(transport, nil, nil)

	cmd := mustCommand(t, "echo solo")
	_, err = exec.Run(context.Background(), tgt, []command.Command{cmd}, Config{Mode: ModeSync, SuccessThreshold: 1.0})
	require.NoError(t, err)

	grouped := exec.groupOutputs(ns.Hosts())
	require.Len(t, grouped, 1)
	assert.Equal(t, 1, grouped[0].Hosts.Len())
	assert.Contains(t, string(grouped[0].Output), "h1 says ok")
}

func TestNodeState_TerminalSinksNeverReschedule(t *testing.T) {
	assert.False(t, validTransition(StateFailed, StateScheduled))
	assert.False(t, validTransition(StateTimeout, StateScheduled))
	assert.True(t, validTransition(StateSuccess, StateScheduled))
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
}
