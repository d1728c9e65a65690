// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the structured records the trust engine
// emits for external consumers (dashboards, HUD overlays, policy
// automation) and the sinks that receive them. The engine emits three
// record classes: per-build verification latency, per-node trust
// recalculation, and quarantine warnings.
package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// VerificationLatency is emitted once per Merkle operation: local
// checkpoint builds and peer checkpoint verifications.
type VerificationLatency struct {
	// Kind is the operation: "checkpoint-build" or "peer-verify".
	Kind string

	// NodeID is the node whose events were hashed.
	NodeID string

	// EventCount is the number of events in the window.
	EventCount int

	// Duration is the wall time of the Merkle computation.
	Duration time.Duration
}

// TrustRecalculation is emitted every time a node's trust record is
// recomputed, whether or not the result changed.
type TrustRecalculation struct {
	NodeID string
	Health string
	Score  float64
}

// QuarantineEvent is emitted when a recalculation moves a node into
// the compromised state. Cause distinguishes the security event
// (chain break, signature failure, low root agreement, missing
// windows) so operators never see an ambiguous "disconnected" state.
type QuarantineEvent struct {
	NodeID string
	Score  float64
	Cause  string
}

// Sink receives engine telemetry. Implementations must be safe for
// concurrent use; the engine emits from ingest goroutines and both
// tick schedules.
type Sink interface {
	RecordVerificationLatency(VerificationLatency)
	RecordTrustRecalculation(TrustRecalculation)
	RecordQuarantine(QuarantineEvent)
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordVerificationLatency(VerificationLatency) {}
func (NopSink) RecordTrustRecalculation(TrustRecalculation)   {}
func (NopSink) RecordQuarantine(QuarantineEvent)              {}

// SlogSink renders records as structured log lines. Latency and
// recalculation records log at debug (they fire on every build and
// every evidence arrival); quarantine events log at warn.
type SlogSink struct {
	Logger *slog.Logger
}

func (sink *SlogSink) RecordVerificationLatency(record VerificationLatency) {
	sink.Logger.Debug("merkle operation",
		"kind", record.Kind,
		"node_id", record.NodeID,
		"event_count", record.EventCount,
		"duration_us", record.Duration.Microseconds())
}

func (sink *SlogSink) RecordTrustRecalculation(record TrustRecalculation) {
	sink.Logger.Debug("trust recalculated",
		"node_id", record.NodeID,
		"health", record.Health,
		"score", record.Score)
}

func (sink *SlogSink) RecordQuarantine(record QuarantineEvent) {
	sink.Logger.Warn("node quarantined",
		"node_id", record.NodeID,
		"score", record.Score,
		"cause", record.Cause)
}

// MemorySink retains every record in memory. Used by tests and the
// benchmark harness to assert on emissions and compute latency
// percentiles.
type MemorySink struct {
	mutex            sync.Mutex
	latencies        []VerificationLatency
	recalculations   []TrustRecalculation
	quarantineEvents []QuarantineEvent
}

func (sink *MemorySink) RecordVerificationLatency(record VerificationLatency) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.latencies = append(sink.latencies, record)
}

func (sink *MemorySink) RecordTrustRecalculation(record TrustRecalculation) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.recalculations = append(sink.recalculations, record)
}

func (sink *MemorySink) RecordQuarantine(record QuarantineEvent) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.quarantineEvents = append(sink.quarantineEvents, record)
}

// Latencies returns a copy of the collected latency records.
func (sink *MemorySink) Latencies() []VerificationLatency {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	out := make([]VerificationLatency, len(sink.latencies))
	copy(out, sink.latencies)
	return out
}

// Recalculations returns a copy of the collected recalculation records.
func (sink *MemorySink) Recalculations() []TrustRecalculation {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	out := make([]TrustRecalculation, len(sink.recalculations))
	copy(out, sink.recalculations)
	return out
}

// QuarantineEvents returns a copy of the collected quarantine events.
func (sink *MemorySink) QuarantineEvents() []QuarantineEvent {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	out := make([]QuarantineEvent, len(sink.quarantineEvents))
	copy(out, sink.quarantineEvents)
	return out
}
