// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint folds windows of a node's event chain into
// Merkle checkpoint roots and verifies peers' claimed roots against
// event evidence. Checkpoints are the compact summaries exchanged by
// gossip; agreement between a node's claimed root and what its peers
// observed is the primary trust signal.
package checkpoint

import (
	"fmt"

	"github.com/meshvine/meshvine/lib/vine"
)

// Checkpoint is the Merkle summary of one window of a node's chain.
// Start and end sequences are inclusive. An empty window (no events
// between ticks) has StartSeq == EndSeq == the next unconsumed
// sequence and the defined empty-tree root; emptiness is recognizable
// by Root == vine.EmptyRoot() without extra flags.
type Checkpoint struct {
	NodeID   string    `cbor:"node_id" json:"node_id"`
	StartSeq uint64    `cbor:"window_start_seq" json:"window_start_seq"`
	EndSeq   uint64    `cbor:"window_end_seq" json:"window_end_seq"`
	Root     vine.Hash `cbor:"merkle_root" json:"merkle_root"`

	// CreatedAt is the builder's clock reading in Unix milliseconds.
	// Informational only; it does not participate in the root.
	CreatedAt int64 `cbor:"created_at_ms" json:"created_at_ms"`
}

// EventCount returns the number of events the checkpoint covers.
func (cp *Checkpoint) EventCount() int {
	if cp.Root == vine.EmptyRoot() {
		return 0
	}
	return int(cp.EndSeq-cp.StartSeq) + 1
}

// String renders the checkpoint for logs and reports.
func (cp *Checkpoint) String() string {
	return fmt.Sprintf("%s[%d..%d]=%s", cp.NodeID, cp.StartSeq, cp.EndSeq, vine.FormatHash(cp.Root)[:12])
}

// Verify recomputes the Merkle root from a claimed event set and
// reports whether it matches the checkpoint. The events must belong
// to the checkpoint's node, be contiguous, and cover exactly the
// checkpoint's window; any structural mismatch fails verification the
// same as a root mismatch (a peer offering mislabeled evidence is no
// more trustworthy than one offering a wrong root).
func Verify(cp *Checkpoint, events []*vine.Event) bool {
	if len(events) == 0 {
		return cp.Root == vine.EmptyRoot()
	}
	if events[0].SequenceNo != cp.StartSeq || events[len(events)-1].SequenceNo != cp.EndSeq {
		return false
	}
	leaves := make([]vine.Hash, len(events))
	for i, event := range events {
		if event.NodeID != cp.NodeID {
			return false
		}
		if i > 0 && event.SequenceNo != events[i-1].SequenceNo+1 {
			return false
		}
		leaves[i] = event.Digest()
	}
	return vine.MerkleRoot(leaves) == cp.Root
}
