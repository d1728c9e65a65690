// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"errors"
	"fmt"

	"github.com/meshvine/meshvine/lib/vine"
)

// ErrWindowIncomplete reports that a claimed window extends past the
// buffered events. Unlike a stale or skipped claim this clears on its
// own once the missing tail of the chain arrives, so callers hold the
// claim and retry instead of discarding it.
var ErrWindowIncomplete = errors.New("checkpoint: claimed window incomplete")

// Builder accumulates chain-validated events for one node and cuts
// Merkle checkpoints over them on demand. Events enter in chain order
// (the caller validates linkage with vine.Chain first); Build consumes
// the oldest windowSize or fewer of them, so a backlog larger than one
// window drains across successive ticks rather than producing an
// oversized checkpoint.
//
// Builder is not safe for concurrent use; the mesh service serializes
// access per node.
type Builder struct {
	nodeID     string
	windowSize int

	// pending holds buffered events oldest-first. nextStart is the
	// sequence number the next window begins at, which differs from
	// pending[0].SequenceNo only when pending is empty.
	pending   []*vine.Event
	nextStart uint64
}

// NewBuilder returns a Builder for the given node. windowSize must be
// positive; configuration validation enforces that before any builder
// exists, so a bad value here is a programming error.
func NewBuilder(nodeID string, windowSize int) *Builder {
	if windowSize <= 0 {
		panic(fmt.Sprintf("checkpoint: window size %d", windowSize))
	}
	return &Builder{nodeID: nodeID, windowSize: windowSize}
}

// Pending returns the number of buffered events not yet checkpointed.
func (builder *Builder) Pending() int { return len(builder.pending) }

// Add buffers a chain-validated event for the next checkpoint. Events
// must arrive in chain order; an out-of-order event here means the
// caller skipped chain validation, so Add rejects it rather than
// silently producing a root over a gapped window.
func (builder *Builder) Add(event *vine.Event) error {
	if event.NodeID != builder.nodeID {
		return fmt.Errorf("checkpoint: event from %s buffered for %s", event.NodeID, builder.nodeID)
	}
	want := builder.nextStart + uint64(len(builder.pending))
	if event.SequenceNo != want {
		return fmt.Errorf("checkpoint: event sequence %d for %s, want %d", event.SequenceNo, builder.nodeID, want)
	}
	builder.pending = append(builder.pending, event)
	return nil
}

// Build cuts a checkpoint over the oldest window of buffered events
// and drains them. With no buffered events it returns the empty-window
// checkpoint at the current position, so progress never stalls on a
// quiet chain. The result is deterministic in the consumed events.
//
// The returned events are the consumed window, in order; callers keep
// them only as long as peers may still request verification evidence
// for this window.
func (builder *Builder) Build(nowMS int64) (Checkpoint, []*vine.Event) {
	count := len(builder.pending)
	if count > builder.windowSize {
		count = builder.windowSize
	}

	if count == 0 {
		return Checkpoint{
			NodeID:    builder.nodeID,
			StartSeq:  builder.nextStart,
			EndSeq:    builder.nextStart,
			Root:      vine.EmptyRoot(),
			CreatedAt: nowMS,
		}, nil
	}

	window := builder.pending[:count]
	leaves := make([]vine.Hash, count)
	for i, event := range window {
		leaves[i] = event.Digest()
	}

	cp := Checkpoint{
		NodeID:    builder.nodeID,
		StartSeq:  window[0].SequenceNo,
		EndSeq:    window[count-1].SequenceNo,
		Root:      vine.MerkleRoot(leaves),
		CreatedAt: nowMS,
	}

	consumed := make([]*vine.Event, count)
	copy(consumed, window)

	builder.drain(count)

	return cp, consumed
}

// BuildClaimed cuts a checkpoint over exactly the window [startSeq,
// endSeq] so its root can be compared against a peer's claim, and
// drains the window only when the cut succeeds. A claim starting below
// nextStart covers ground already built here; one starting above it
// needs events this builder never buffered. Both are permanently
// unverifiable, unlike ErrWindowIncomplete.
func (builder *Builder) BuildClaimed(startSeq, endSeq uint64, nowMS int64) (Checkpoint, error) {
	if endSeq < startSeq {
		return Checkpoint{}, fmt.Errorf("checkpoint: claimed window [%d, %d] inverted", startSeq, endSeq)
	}
	if startSeq != builder.nextStart {
		return Checkpoint{}, fmt.Errorf("checkpoint: claimed window starts at %d, buffer positioned at %d", startSeq, builder.nextStart)
	}
	// Compare spans before converting to int: a hostile claim can put
	// endSeq-startSeq beyond the int range.
	if span := endSeq - startSeq; span >= uint64(len(builder.pending)) {
		return Checkpoint{}, fmt.Errorf("%w: have %d events from %d, claim ends at %d",
			ErrWindowIncomplete, len(builder.pending), startSeq, endSeq)
	}
	count := int(endSeq-startSeq) + 1

	leaves := make([]vine.Hash, count)
	for i, event := range builder.pending[:count] {
		leaves[i] = event.Digest()
	}

	cp := Checkpoint{
		NodeID:    builder.nodeID,
		StartSeq:  startSeq,
		EndSeq:    endSeq,
		Root:      vine.MerkleRoot(leaves),
		CreatedAt: nowMS,
	}

	builder.drain(count)

	return cp, nil
}

// drain removes the oldest count events without retaining backing-array
// references to them, and advances nextStart past the removed window.
func (builder *Builder) drain(count int) {
	builder.nextStart = builder.pending[count-1].SequenceNo + 1
	remaining := len(builder.pending) - count
	copy(builder.pending, builder.pending[count:])
	for i := remaining; i < len(builder.pending); i++ {
		builder.pending[i] = nil
	}
	builder.pending = builder.pending[:remaining]
}
