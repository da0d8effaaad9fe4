// Package target defines the Target value object (C6): an immutable
// description of a resolved NodeSet plus the batching parameters the
// executor's scheduler uses to size its sliding window.
package target

import (
	"math"
	"time"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
)

// Target pairs a resolved NodeSet with batching configuration. Stored
// immutably: once built, Nodes/BatchSize/BatchSleep never change.
type Target struct {
	nodes      nodeset.NodeSet
	batchSize  int
	batchSleep time.Duration
}

// Option configures a Target at construction, in the same functional-
// options style as resilience.PipelineOption.
type Option func(*settings)

type settings struct {
	batchSize      int
	batchSizeRatio float64
	batchSleep     time.Duration
}

// WithBatchSize sets an absolute batch size (max concurrent hosts per
// scheduling phase). Overridden by WithBatchSizeRatio if both are given.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithBatchSizeRatio sets the batch size as a ratio in (0,1] of the
// target's node count, resolved at construction to
// ceil(ratio*len(nodes)), minimum 1.
func WithBatchSizeRatio(ratio float64) Option {
	return func(s *settings) { s.batchSizeRatio = ratio }
}

// WithBatchSleep sets the delay between starting successive hosts within
// a scheduling phase.
func WithBatchSleep(d time.Duration) Option {
	return func(s *settings) { s.batchSleep = d }
}

// New builds a Target from nodes and options. It refuses an empty
// NodeSet: the executor must not be handed a target with nothing to run
// against. With no batch-size option, batch size defaults to the full
// node count (no windowing beyond the global fanout cap).
func New(nodes nodeset.NodeSet, opts ...Option) (Target, error) {
	if nodes.Len() == 0 {
		return Target{}, cuminerrors.New(cuminerrors.WorkerError, "target refuses an empty node set")
	}

	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}

	batchSize := nodes.Len()
	switch {
	case s.batchSizeRatio > 0:
		batchSize = int(math.Ceil(s.batchSizeRatio * float64(nodes.Len())))
		if batchSize < 1 {
			batchSize = 1
		}
	case s.batchSize > 0:
		batchSize = s.batchSize
	}

	return Target{nodes: nodes, batchSize: batchSize, batchSleep: s.batchSleep}, nil
}

// Nodes returns the target's resolved NodeSet.
func (t Target) Nodes() nodeset.NodeSet { return t.nodes }

// BatchSize returns the resolved sliding-window cap, already reconciled
// against any batch-size ratio.
func (t Target) BatchSize() int { return t.batchSize }

// BatchSleep returns the delay between starting successive hosts.
func (t Target) BatchSleep() time.Duration { return t.batchSleep }
