// Package history records and replays ExecutionRecords: the aggregate
// summary of one cumin run (query, commands, mode, per-host final
// states, overall exit code). It is pure record-keeping for `cumin
// history`, not a per-command output audit log — no stdout/stderr is
// retained here, only what a run summary needs.
package history

import (
	"context"
	"time"

	"github.com/freitascorp/cumin/pkg/executor"
)

// HostResult is one host's final state at the end of a run.
type HostResult struct {
	Host  string          `json:"host"`
	State executor.NodeState `json:"state"`
}

// ExecutionRecord is a persisted summary of one full cumin run.
type ExecutionRecord struct {
	ID          string       `json:"id"`
	Query       string       `json:"query"`
	NodeCount   int          `json:"node_count"`
	Commands    []string     `json:"commands"`
	Mode        executor.Mode `json:"mode"`
	Requester   string       `json:"requester"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	HostResults []HostResult `json:"host_results"`
	ExitCode    int          `json:"exit_code"`
}

// ListOptions narrows ListExecutions. A zero value lists everything.
type ListOptions struct {
	Requester string
	Since     time.Time
	Limit     int
	Offset    int
}

// Store records and retrieves ExecutionRecords. Implementations must be
// safe for concurrent use.
type Store interface {
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, opts ListOptions) ([]*ExecutionRecord, error)
	Close() error
}
