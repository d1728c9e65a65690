// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/codec"
	"github.com/meshvine/meshvine/lib/vine"
)

// RootReport is the body of a root-report envelope: the sender's
// observation of SubjectID's Merkle root for the window starting at
// WindowStart. The reporter identity comes from the envelope sender,
// not the body, so a node cannot report in another node's name.
type RootReport struct {
	SubjectID   string    `cbor:"subject_id" json:"subject_id"`
	WindowStart uint64    `cbor:"window_start" json:"window_start"`
	Root        vine.Hash `cbor:"root" json:"root"`
	ObservedAt  int64     `cbor:"observed_at_ms" json:"observed_at_ms"`
}

// CheckpointRequest is the body of a checkpoint-request envelope. It
// asks for SubjectID's retained checkpoints with window start at or
// after FromWindowStart.
type CheckpointRequest struct {
	SubjectID       string `cbor:"subject_id" json:"subject_id"`
	FromWindowStart uint64 `cbor:"from_window_start" json:"from_window_start"`
}

// PeerState is the body of a peer-state envelope: the sender's
// last-seen wall-clock milliseconds per known node.
type PeerState struct {
	LastSeen map[string]int64 `cbor:"last_seen_ms" json:"last_seen_ms"`
}

// maxBatchBytes bounds the decoded size of a checkpoint batch. A
// checkpoint is around a hundred bytes, so this admits far more
// windows than any node retains while keeping peer-supplied size
// claims from driving allocations.
const maxBatchBytes = 16 << 20

// CheckpointBatch is the body of a checkpoint-response envelope: a
// zstd-compressed CBOR array of checkpoints for one subject node.
// Batches ride inside a signed envelope, so the compressed bytes are
// authenticated as a whole; individual checkpoints are re-verified
// against reported roots after unpacking.
type CheckpointBatch struct {
	SubjectID        string `cbor:"subject_id" json:"subject_id"`
	Compressed       []byte `cbor:"checkpoints_zstd" json:"checkpoints_zstd"`
	UncompressedSize int    `cbor:"uncompressed_size" json:"uncompressed_size"`
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. zstd.Encoder and zstd.Decoder are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}

	// Decoder input is peer-supplied; cap the memory a hostile frame
	// can claim.
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxBatchBytes),
	)
	if err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

// NewCheckpointBatch compresses checkpoints into a response body.
func NewCheckpointBatch(subjectID string, checkpoints []checkpoint.Checkpoint) (CheckpointBatch, error) {
	if subjectID == "" {
		return CheckpointBatch{}, fmt.Errorf("subject id must not be empty")
	}
	plaintext, err := codec.Marshal(checkpoints)
	if err != nil {
		return CheckpointBatch{}, fmt.Errorf("encoding checkpoint batch: %w", err)
	}
	if len(plaintext) > maxBatchBytes {
		return CheckpointBatch{}, fmt.Errorf("checkpoint batch is %d bytes, limit %d",
			len(plaintext), maxBatchBytes)
	}
	return CheckpointBatch{
		SubjectID:        subjectID,
		Compressed:       zstdEncoder.EncodeAll(plaintext, nil),
		UncompressedSize: len(plaintext),
	}, nil
}

// Checkpoints decompresses and decodes the batch. The claimed
// uncompressed size must match the actual decoded length exactly.
func (b CheckpointBatch) Checkpoints() ([]checkpoint.Checkpoint, error) {
	if b.UncompressedSize < 0 || b.UncompressedSize > maxBatchBytes {
		return nil, fmt.Errorf("checkpoint batch claims %d bytes, limit %d",
			b.UncompressedSize, maxBatchBytes)
	}
	plaintext, err := zstdDecoder.DecodeAll(b.Compressed, make([]byte, 0, b.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing checkpoint batch: %w", err)
	}
	if len(plaintext) != b.UncompressedSize {
		return nil, fmt.Errorf("checkpoint batch decompressed to %d bytes, claimed %d",
			len(plaintext), b.UncompressedSize)
	}
	var checkpoints []checkpoint.Checkpoint
	if err := codec.Unmarshal(plaintext, &checkpoints); err != nil {
		return nil, fmt.Errorf("decoding checkpoint batch: %w", err)
	}
	return checkpoints, nil
}
