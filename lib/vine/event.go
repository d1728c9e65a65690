// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package vine implements the Merkle Vine: the per-node hash-chained
// event log and the BLAKE3 hashing discipline built on it. Each event
// embeds the digest of its immediate predecessor, forming an
// append-only, tamper-evident sequence; windows of the sequence fold
// into Merkle checkpoint roots (see lib/checkpoint).
//
// The package holds no key material and performs no signature checks;
// it is pure hashing and linkage. Signature verification belongs to
// the keyring capability consumed by the mesh service.
package vine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Event is one immutable record in a node's chain. The zero value is
// not a valid event; events are produced by Chain.Next or received
// from peers and validated by Chain.Append.
type Event struct {
	// NodeID identifies the emitting node.
	NodeID string `cbor:"node_id" json:"node_id"`

	// SequenceNo is the event's position in the node's chain,
	// starting at 0.
	SequenceNo uint64 `cbor:"sequence_no" json:"sequence_no"`

	// PayloadHash is the event-domain digest of the event's content.
	// The chain carries only the digest; payload bytes never enter
	// the trust engine.
	PayloadHash Hash `cbor:"payload_hash" json:"payload_hash"`

	// AncestorHash is the digest of the same node's previous event,
	// or Genesis for SequenceNo 0. A mismatch against the locally
	// known predecessor is a chain break.
	AncestorHash Hash `cbor:"ancestor_hash" json:"ancestor_hash"`

	// Signature is the emitting node's Ed25519 signature over the
	// event digest. Verified by the mesh service before the event
	// reaches a chain.
	Signature []byte `cbor:"signature" json:"signature"`
}

// Digest computes the event-domain hash of the event's identity
// content: node id, sequence number, payload hash, and ancestor hash.
// The signature is excluded: it signs this digest and cannot be part
// of it. The framing is fixed-width (length-prefixed node id, big
// endian sequence) so the digest is deterministic across processes.
func (event *Event) Digest() Hash {
	buffer := make([]byte, 0, 2+len(event.NodeID)+8+32+32)
	buffer = binary.BigEndian.AppendUint16(buffer, uint16(len(event.NodeID)))
	buffer = append(buffer, event.NodeID...)
	buffer = binary.BigEndian.AppendUint64(buffer, event.SequenceNo)
	buffer = append(buffer, event.PayloadHash[:]...)
	buffer = append(buffer, event.AncestorHash[:]...)
	return keyedHash(eventDomainKey, buffer)
}

// AncestorMismatchError reports a chain break: an event whose stated
// ancestor hash (or sequence number) does not continue the locally
// known chain for its node. The append that produced it failed; the
// chain state is unchanged.
type AncestorMismatchError struct {
	// NodeID is the chain the event claimed to extend.
	NodeID string

	// SequenceNo is the offending event's stated sequence number.
	SequenceNo uint64

	// WantSequence is the sequence number the chain expected next.
	WantSequence uint64

	// Want is the digest of the chain's last accepted event (or
	// Genesis); Got is the ancestor hash the event carried.
	Want, Got Hash
}

func (err *AncestorMismatchError) Error() string {
	if err.SequenceNo != err.WantSequence {
		return fmt.Sprintf("vine: chain break on %s: event sequence %d, want %d",
			err.NodeID, err.SequenceNo, err.WantSequence)
	}
	return fmt.Sprintf("vine: chain break on %s at sequence %d: ancestor %s, want %s",
		err.NodeID, err.SequenceNo, FormatHash(err.Got), FormatHash(err.Want))
}

// IsAncestorMismatch reports whether err is a chain-break error from
// Chain.Append.
func IsAncestorMismatch(err error) bool {
	var mismatch *AncestorMismatchError
	return errors.As(err, &mismatch)
}

// Chain tracks the append state of one node's event sequence: the
// digest of the last accepted event and the next expected sequence
// number. It rejects any event that does not continue the sequence,
// which (for the local node) prevents forking our own history and
// (for peers) detects tampering upstream of us.
//
// Chain is not safe for concurrent use; the mesh service serializes
// appends per node.
type Chain struct {
	nodeID       string
	nextSequence uint64
	lastHash     Hash
}

// NewChain returns an empty chain for the given node. The first
// accepted event must carry sequence 0 and the Genesis ancestor.
func NewChain(nodeID string) *Chain {
	return &Chain{nodeID: nodeID, lastHash: Genesis}
}

// NodeID returns the node whose chain this is.
func (chain *Chain) NodeID() string { return chain.nodeID }

// NextSequence returns the sequence number the chain expects next.
func (chain *Chain) NextSequence() uint64 { return chain.nextSequence }

// LastHash returns the digest of the last accepted event, or Genesis
// for an empty chain. This is the ancestor hash the next event must
// carry.
func (chain *Chain) LastHash() Hash { return chain.lastHash }

// Append validates that event continues this chain and advances the
// chain state. It fails with an *AncestorMismatchError when the event
// is for a different node, skips or repeats a sequence number, or
// carries an ancestor hash other than the digest of the last accepted
// event. On failure the chain state is unchanged; the caller decides
// whether the break is adversarial.
func (chain *Chain) Append(event *Event) error {
	if event.NodeID != chain.nodeID {
		return fmt.Errorf("vine: event from %s appended to chain of %s", event.NodeID, chain.nodeID)
	}
	if event.SequenceNo != chain.nextSequence || event.AncestorHash != chain.lastHash {
		return &AncestorMismatchError{
			NodeID:       chain.nodeID,
			SequenceNo:   event.SequenceNo,
			WantSequence: chain.nextSequence,
			Want:         chain.lastHash,
			Got:          event.AncestorHash,
		}
	}
	chain.lastHash = event.Digest()
	chain.nextSequence++
	return nil
}

// Next constructs the next event in the chain for the given payload
// hash without appending it. The caller signs the returned event's
// Digest and then appends it. Splitting construction from append keeps
// signing outside this package.
func (chain *Chain) Next(payloadHash Hash) *Event {
	return &Event{
		NodeID:       chain.nodeID,
		SequenceNo:   chain.nextSequence,
		PayloadHash:  payloadHash,
		AncestorHash: chain.lastHash,
	}
}
