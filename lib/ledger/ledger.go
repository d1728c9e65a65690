// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger retains the checkpoints a node has seen from its
// peers. Retention is bounded per node: only the newest windows are
// kept, matching the agreement ring in the trust engine, so the ledger
// can answer catch-up requests for exactly the span peers still score.
//
// The ledger also watches for continuity. Each node's checkpoints
// cover consecutive sequence ranges; a claim that starts beyond the
// end of the previously newest window means at least one checkpoint
// was never received, which the caller feeds to the trust engine as a
// missing-window observation.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/vine"
)

// Outcome describes what one Observe call learned.
type Outcome struct {
	// Gap reports that the claim starts past the expected next window
	// start, leaving the sequence range [MissedFrom, MissedTo]
	// uncovered by any retained checkpoint.
	Gap        bool
	MissedFrom uint64
	MissedTo   uint64

	// RootChanged reports that a different non-empty root was already
	// retained for the same window start. Replacing an empty-window
	// placeholder does not set it; two conflicting non-empty claims
	// do.
	RootChanged bool

	// Backfill reports that the claim filled a window older than the
	// newest retained one, as catch-up responses do.
	Backfill bool
}

// nodeHistory is the retained state for one peer.
type nodeHistory struct {
	// windows is keyed by StartSeq; order holds the same keys
	// ascending for pruning and range queries.
	windows map[uint64]checkpoint.Checkpoint
	order   []uint64

	// nextExpected is the window start that would continue the chain
	// of observed checkpoints without a gap.
	nextExpected uint64
	hasExpected  bool
}

// Ledger is a bounded in-memory checkpoint store for all known peers.
// Safe for concurrent use.
type Ledger struct {
	retention int

	mu    sync.RWMutex
	nodes map[string]*nodeHistory
}

// New returns a Ledger keeping at most retention windows per node.
// retention must be positive; configuration validation enforces that
// before any ledger exists.
func New(retention int) *Ledger {
	if retention <= 0 {
		panic(fmt.Sprintf("ledger: retention %d", retention))
	}
	return &Ledger{
		retention: retention,
		nodes:     make(map[string]*nodeHistory),
	}
}

// emptyWindow reports whether cp is an empty-window checkpoint: no
// events consumed, position unchanged.
func emptyWindow(cp checkpoint.Checkpoint) bool {
	return cp.Root == vine.EmptyRoot()
}

// validateClaim rejects structurally impossible checkpoints before
// they touch any state. Claims are peer-supplied.
func validateClaim(cp checkpoint.Checkpoint) error {
	if cp.NodeID == "" {
		return fmt.Errorf("checkpoint has no node id")
	}
	if cp.EndSeq < cp.StartSeq {
		return fmt.Errorf("checkpoint for %s ends at %d before start %d",
			cp.NodeID, cp.EndSeq, cp.StartSeq)
	}
	if cp.Root == vine.Genesis {
		return fmt.Errorf("checkpoint for %s has zero root", cp.NodeID)
	}
	if emptyWindow(cp) && cp.StartSeq != cp.EndSeq {
		return fmt.Errorf("empty checkpoint for %s spans [%d, %d]",
			cp.NodeID, cp.StartSeq, cp.EndSeq)
	}
	return nil
}

// Observe records a checkpoint claim and reports continuity findings.
// Malformed claims return an error and change nothing.
func (ledger *Ledger) Observe(cp checkpoint.Checkpoint) (Outcome, error) {
	if err := validateClaim(cp); err != nil {
		return Outcome{}, err
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	history := ledger.nodes[cp.NodeID]
	if history == nil {
		history = &nodeHistory{windows: make(map[uint64]checkpoint.Checkpoint)}
		ledger.nodes[cp.NodeID] = history
	}

	var outcome Outcome
	switch {
	case !history.hasExpected:
		// First observation for this node. A late joiner has no basis
		// to call earlier history missing.
	case cp.StartSeq > history.nextExpected:
		outcome.Gap = true
		outcome.MissedFrom = history.nextExpected
		outcome.MissedTo = cp.StartSeq - 1
	case cp.StartSeq < history.nextExpected:
		outcome.Backfill = true
	}

	if existing, ok := history.windows[cp.StartSeq]; ok {
		if existing.Root != cp.Root && !emptyWindow(existing) {
			outcome.RootChanged = true
		}
	} else {
		position := sort.Search(len(history.order), func(i int) bool {
			return history.order[i] >= cp.StartSeq
		})
		history.order = append(history.order, 0)
		copy(history.order[position+1:], history.order[position:])
		history.order[position] = cp.StartSeq
	}
	history.windows[cp.StartSeq] = cp

	// An empty window holds the position; a consumed window advances
	// past its last sequence.
	advanceTo := cp.StartSeq
	if !emptyWindow(cp) {
		advanceTo = cp.EndSeq + 1
	}
	if !history.hasExpected || advanceTo > history.nextExpected {
		history.nextExpected = advanceTo
		history.hasExpected = true
	}

	history.prune(ledger.retention)

	return outcome, nil
}

// Backfill stores a checkpoint relayed by a third party, such as a
// catch-up response. Relayed data is not a direct observation of the
// subject: it never advances the expected position, never overwrites
// a window already held, and produces no continuity outcome. Keeping
// those effects exclusive to Observe means a hostile relay cannot
// reposition gap detection for a node it does not control.
func (ledger *Ledger) Backfill(cp checkpoint.Checkpoint) error {
	if err := validateClaim(cp); err != nil {
		return err
	}

	ledger.mu.Lock()
	defer ledger.mu.Unlock()

	history := ledger.nodes[cp.NodeID]
	if history == nil {
		history = &nodeHistory{windows: make(map[uint64]checkpoint.Checkpoint)}
		ledger.nodes[cp.NodeID] = history
	}
	if _, ok := history.windows[cp.StartSeq]; ok {
		return nil
	}

	position := sort.Search(len(history.order), func(i int) bool {
		return history.order[i] >= cp.StartSeq
	})
	history.order = append(history.order, 0)
	copy(history.order[position+1:], history.order[position:])
	history.order[position] = cp.StartSeq
	history.windows[cp.StartSeq] = cp

	history.prune(ledger.retention)

	return nil
}

// prune drops the oldest windows beyond the retention cap.
func (history *nodeHistory) prune(retention int) {
	for len(history.order) > retention {
		delete(history.windows, history.order[0])
		copy(history.order, history.order[1:])
		history.order = history.order[:len(history.order)-1]
	}
}

// Window returns the retained checkpoint whose window starts at
// windowStart.
func (ledger *Ledger) Window(nodeID string, windowStart uint64) (checkpoint.Checkpoint, bool) {
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	history := ledger.nodes[nodeID]
	if history == nil {
		return checkpoint.Checkpoint{}, false
	}
	cp, ok := history.windows[windowStart]
	return cp, ok
}

// Latest returns the newest retained checkpoint for nodeID, by window
// start.
func (ledger *Ledger) Latest(nodeID string) (checkpoint.Checkpoint, bool) {
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	history := ledger.nodes[nodeID]
	if history == nil || len(history.order) == 0 {
		return checkpoint.Checkpoint{}, false
	}
	return history.windows[history.order[len(history.order)-1]], true
}

// NextExpectedStart returns the window start that would continue
// nodeID's checkpoint chain without a gap. The boolean is false before
// any observation.
func (ledger *Ledger) NextExpectedStart(nodeID string) (uint64, bool) {
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	history := ledger.nodes[nodeID]
	if history == nil || !history.hasExpected {
		return 0, false
	}
	return history.nextExpected, true
}

// Retained returns nodeID's retained checkpoints with window start at
// or after fromWindowStart, ascending. This is the catch-up query: a
// checkpoint-request is answered with exactly this slice.
func (ledger *Ledger) Retained(nodeID string, fromWindowStart uint64) []checkpoint.Checkpoint {
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	history := ledger.nodes[nodeID]
	if history == nil {
		return nil
	}
	position := sort.Search(len(history.order), func(i int) bool {
		return history.order[i] >= fromWindowStart
	})
	if position == len(history.order) {
		return nil
	}
	result := make([]checkpoint.Checkpoint, 0, len(history.order)-position)
	for _, start := range history.order[position:] {
		result = append(result, history.windows[start])
	}
	return result
}

// Nodes returns every node with retained checkpoints, sorted.
func (ledger *Ledger) Nodes() []string {
	ledger.mu.RLock()
	defer ledger.mu.RUnlock()
	nodes := make([]string, 0, len(ledger.nodes))
	for nodeID := range ledger.nodes {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	return nodes
}

// Forget drops all retained state for nodeID. Used by the
// administrative reset path together with the trust engine's Reset.
func (ledger *Ledger) Forget(nodeID string) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	delete(ledger.nodes, nodeID)
}
