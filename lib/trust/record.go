// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"github.com/meshvine/meshvine/lib/vine"
)

// Health is a node's classified integrity state. Every node starts
// UNKNOWN and can only leave it through verified evidence; there is no
// implicit trust anywhere in the mesh.
type Health string

const (
	// HealthUnknown means no usable evidence: never observed, too few
	// reporters, or evidence gone stale. Zero-trust default.
	HealthUnknown Health = "unknown"

	// HealthHealthy means the node's checkpoint roots agree with its
	// reporters at or above the healthy band and its chain is intact.
	HealthHealthy Health = "healthy"

	// HealthDegraded means agreement has dipped below the healthy
	// band without crossing into Byzantine territory.
	HealthDegraded Health = "degraded"

	// HealthCompromised means the node is quarantined: a chain break,
	// a signature failure, or root agreement below the Byzantine
	// threshold. Terminal until an explicit administrative reset.
	HealthCompromised Health = "compromised"
)

// Cause identifies which security event quarantined a node. Operators
// must never be shown an ambiguous "disconnected" state for what is
// actually an integrity failure.
type Cause string

const (
	CauseNone             Cause = ""
	CauseChainBreak       Cause = "chain-break"
	CauseSignatureFailure Cause = "signature-failure"
	CauseLowAgreement     Cause = "low-agreement"
	CauseMissingWindows   Cause = "missing-windows"
)

// TrustRecord is the engine's per-node verdict. Records are replaced
// wholesale on recalculation, never mutated in place, so readers
// always observe a complete record.
type TrustRecord struct {
	NodeID string  `cbor:"node_id" json:"node_id"`
	Score  float64 `cbor:"score" json:"score"`
	Health Health  `cbor:"health" json:"health"`

	// LastUpdated is the recalculation time in Unix milliseconds.
	LastUpdated int64 `cbor:"last_updated_ms" json:"last_updated_ms"`

	// Cause is set only while Health is compromised.
	Cause Cause `cbor:"cause,omitempty" json:"cause,omitempty"`
}

// Quarantined reports whether the node is in the terminal
// compromised state.
func (record *TrustRecord) Quarantined() bool {
	return record.Health == HealthCompromised
}

// RootReport is one peer's claim about a subject's checkpoint root
// for a window. Reports from distinct reporters are tallied against
// the subject's own claimed root; the matching fraction is the
// subject's root agreement ratio for that window.
type RootReport struct {
	ReporterID  string    `cbor:"reporter_id" json:"reporter_id"`
	SubjectID   string    `cbor:"subject_id" json:"subject_id"`
	WindowStart uint64    `cbor:"window_start_seq" json:"window_start_seq"`
	Root        vine.Hash `cbor:"merkle_root" json:"merkle_root"`

	// ObservedAt is the reporter's clock reading in Unix milliseconds
	// when it verified the subject's window.
	ObservedAt int64 `cbor:"observed_at_ms" json:"observed_at_ms"`
}
