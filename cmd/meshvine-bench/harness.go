// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/clock"
	"github.com/meshvine/meshvine/lib/config"
	"github.com/meshvine/meshvine/lib/envelope"
	"github.com/meshvine/meshvine/lib/keyring"
	"github.com/meshvine/meshvine/lib/telemetry"
	"github.com/meshvine/meshvine/lib/trust"
	"github.com/meshvine/meshvine/lib/vine"
	"github.com/meshvine/meshvine/mesh"
)

// benchEpochMS anchors the harness clock. Scenario time is driven, not
// read from the host, so runs are reproducible.
const benchEpochMS = 1_700_000_000_000

// roundTimeout bounds how long the harness waits for one tick round to
// land in every node's telemetry before declaring the mesh stalled.
const roundTimeout = 10 * time.Second

// detectionRounds caps the extra gossip rounds granted for verdicts to
// converge after the drive phase.
const detectionRounds = 5

// runResult is one scenario's outcome.
type runResult struct {
	Scenario Scenario `json:"scenario"`

	// ElapsedSeconds is drive-phase wall time, drains included.
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	// Ingest is per-message inbound handling at receivers: envelope
	// decode, signature checks, chain append, scoring. The scenario
	// budget applies to its P95.
	Ingest latencyStats `json:"ingest"`

	// AppendFanout is sender-side Append plus synchronous loopback
	// delivery to every peer.
	AppendFanout latencyStats `json:"append_fanout"`

	// CheckpointBuild and PeerVerify are the Merkle operation series
	// from the services' own telemetry.
	CheckpointBuild latencyStats `json:"checkpoint_build"`
	PeerVerify      latencyStats `json:"peer_verify"`

	Detection *detectionResult `json:"detection,omitempty"`

	BudgetPass bool `json:"budget_pass"`
}

// detectionResult summarizes quarantine verdicts at the honest nodes.
// A Byzantine node counts as flagged only when every honest node
// quarantines it; an honest node counts as a false positive when any
// honest peer quarantines it.
type detectionResult struct {
	ByzantineTotal   int      `json:"byzantine_total"`
	ByzantineFlagged int      `json:"byzantine_flagged"`
	HonestTotal      int      `json:"honest_total"`
	HonestFlagged    int      `json:"honest_flagged"`
	Missed           []string `json:"missed,omitempty"`
	FalsePositives   []string `json:"false_positives,omitempty"`
}

func (d *detectionResult) pass() bool {
	return d.ByzantineFlagged == d.ByzantineTotal && d.HonestFlagged == 0
}

// benchMesh is the assembled scenario fabric: every node a real
// service, wired over loopback, on one driven clock.
type benchMesh struct {
	scenario Scenario
	names    []string
	byz      map[string]bool
	services map[string]*mesh.Service
	sinks    map[string]*telemetry.MemorySink
	fake     *clock.FakeClock

	ingest       *latencySeries
	appendFanout *latencySeries

	// builds counts completed checkpoint rounds, the quiescence
	// signal after each clock advance.
	builds int
}

// timedHandler wraps a service's inbound path so the harness can
// measure per-message ingest latency where the receiver pays it.
type timedHandler struct {
	service *mesh.Service
	series  *latencySeries
}

func (h *timedHandler) Ingest(ctx context.Context, data []byte) error {
	started := time.Now()
	err := h.service.Ingest(ctx, data)
	h.series.record(time.Since(started))
	return err
}

// assembleMesh builds keyrings, services, and wiring for a scenario.
// Byzantine and noisy-honest nodes get a corrupting transport; the
// services themselves are always the real implementation.
func assembleMesh(scenario Scenario, logger *slog.Logger) (*benchMesh, error) {
	names := make([]string, scenario.Nodes)
	for i := range names {
		names[i] = fmt.Sprintf("node-%03d", i)
	}

	byz := make(map[string]bool, scenario.ByzantineNodes)
	for _, name := range names[scenario.Nodes-scenario.ByzantineNodes:] {
		byz[name] = true
	}

	rings := make(map[string]*keyring.MemoryKeyring, scenario.Nodes)
	for _, name := range names {
		ring, err := keyring.NewMemoryKeyring(name)
		if err != nil {
			return nil, fmt.Errorf("keyring for %s: %w", name, err)
		}
		rings[name] = ring
	}
	for _, name := range names {
		publicKey, _ := rings[name].PublicKey(name)
		for _, peer := range names {
			if peer == name {
				continue
			}
			if err := rings[peer].RegisterPeer(name, publicKey); err != nil {
				return nil, fmt.Errorf("registering %s with %s: %w", name, peer, err)
			}
		}
	}

	m := &benchMesh{
		scenario:     scenario,
		names:        names,
		byz:          byz,
		services:     make(map[string]*mesh.Service, scenario.Nodes),
		sinks:        make(map[string]*telemetry.MemorySink, scenario.Nodes),
		fake:         clock.Fake(time.UnixMilli(benchEpochMS)),
		ingest:       &latencySeries{},
		appendFanout: &latencySeries{},
	}

	fabric := mesh.NewLoopback()
	for _, name := range names {
		cfg := config.Default()
		cfg.NodeID = name
		cfg.CheckpointWindowSize = scenario.WindowSize
		cfg.CheckpointIntervalMS = scenario.CheckpointIntervalMS
		cfg.GossipIntervalMS = scenario.GossipIntervalMS

		var transport mesh.Transport = fabric.Attach(name)
		lieRate := scenario.HonestLieRate
		if byz[name] {
			lieRate = scenario.ByzantineLieRate
		}
		if lieRate > 0 {
			transport = newCorruptingTransport(transport, rings[name], name, lieRate)
		}

		sink := &telemetry.MemorySink{}
		service, err := mesh.New(mesh.Options{
			Config:    cfg,
			Keyring:   rings[name],
			Transport: transport,
			Sink:      sink,
			Logger:    logger,
			Clock:     m.fake,
		})
		if err != nil {
			return nil, fmt.Errorf("service for %s: %w", name, err)
		}

		m.services[name] = service
		m.sinks[name] = sink
		fabric.Register(name, &timedHandler{service: service, series: m.ingest})
	}
	return m, nil
}

// runScenario drives a scenario to completion and summarizes it.
func runScenario(scenario Scenario, logger *slog.Logger) (*runResult, error) {
	if err := scenario.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	m, err := assembleMesh(scenario, logger)
	if err != nil {
		return nil, err
	}
	for _, name := range m.names {
		if err := m.services[name].Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", name, err)
		}
	}
	defer func() {
		for _, service := range m.services {
			service.Stop()
		}
	}()
	// Both loops of every service must hold tickers before the first
	// advance, or the round would fire into nothing.
	m.fake.WaitForTickers(2 * scenario.Nodes)

	ctx := context.Background()
	started := time.Now()

	remaining := make(map[string]int, scenario.Nodes)
	for i, name := range m.names {
		remaining[name] = scenario.eventsPerNode(i)
	}

	for round := 0; round < scenario.rounds(); round++ {
		for _, name := range m.names {
			count := min(scenario.WindowSize, remaining[name])
			for k := 0; k < count; k++ {
				payload := fmt.Appendf(nil, "%s round %d event %d", name, round, k)
				appendStart := time.Now()
				if _, err := m.services[name].Append(ctx, payload); err != nil {
					return nil, fmt.Errorf("append on %s: %w", name, err)
				}
				m.appendFanout.record(time.Since(appendStart))
			}
			remaining[name] -= count
		}
		if err := m.advanceRound(); err != nil {
			return nil, err
		}
	}

	for drain := 0; drain < scenario.DrainRounds; drain++ {
		if err := m.advanceRound(); err != nil {
			return nil, err
		}
	}

	var detection *detectionResult
	if scenario.ByzantineNodes > 0 {
		detection = m.measureDetection()
		for extra := 0; extra < detectionRounds && !detection.pass(); extra++ {
			if err := m.advanceRound(); err != nil {
				return nil, err
			}
			detection = m.measureDetection()
		}
	}

	elapsed := time.Since(started)

	result := &runResult{
		Scenario:       scenario,
		ElapsedSeconds: elapsed.Seconds(),
		Ingest:         m.ingest.stats(),
		AppendFanout:   m.appendFanout.stats(),
		Detection:      detection,
	}
	result.CheckpointBuild, result.PeerVerify = m.merkleStats()
	result.BudgetPass = result.Ingest.Count > 0 && result.Ingest.P95MS <= scenario.BudgetP95MS
	return result, nil
}

// advanceRound fires one tick interval on every service and waits for
// the round's checkpoint builds to land in telemetry. Builds are
// recorded before the summary broadcast inside the same tick, so a
// short settle pause lets the fanout finish.
func (m *benchMesh) advanceRound() error {
	m.builds++
	m.fake.Advance(time.Duration(m.scenario.CheckpointIntervalMS) * time.Millisecond)

	deadline := time.Now().Add(roundTimeout)
	for !m.roundComplete() {
		if time.Now().After(deadline) {
			return fmt.Errorf("mesh stalled waiting for checkpoint round %d", m.builds)
		}
		time.Sleep(200 * time.Microsecond)
	}
	time.Sleep(2 * time.Millisecond)
	return nil
}

// roundComplete reports whether every node has built at least as many
// checkpoints as rounds advanced.
func (m *benchMesh) roundComplete() bool {
	for _, sink := range m.sinks {
		builds := 0
		for _, latency := range sink.Latencies() {
			if latency.Kind == "checkpoint-build" {
				builds++
			}
		}
		if builds < m.builds {
			return false
		}
	}
	return true
}

// merkleStats folds every node's Merkle operation telemetry into
// build and verify series.
func (m *benchMesh) merkleStats() (build, verify latencyStats) {
	var builds, verifies []time.Duration
	for _, sink := range m.sinks {
		for _, latency := range sink.Latencies() {
			switch latency.Kind {
			case "checkpoint-build":
				builds = append(builds, latency.Duration)
			case "peer-verify":
				verifies = append(verifies, latency.Duration)
			}
		}
	}
	return summarize(builds), summarize(verifies)
}

// measureDetection reads each honest node's verdicts about everyone
// else.
func (m *benchMesh) measureDetection() *detectionResult {
	result := &detectionResult{
		ByzantineTotal: m.scenario.ByzantineNodes,
		HonestTotal:    m.scenario.Nodes - m.scenario.ByzantineNodes,
	}

	verdicts := make(map[string]map[string]trust.Health, len(m.names))
	for _, observer := range m.names {
		if m.byz[observer] {
			continue
		}
		verdicts[observer] = make(map[string]trust.Health)
		for subject, record := range m.services[observer].Snapshot() {
			verdicts[observer][subject] = record.Health
		}
	}

	for _, subject := range m.names {
		if m.byz[subject] {
			flaggedEverywhere := true
			for observer, view := range verdicts {
				if observer == subject {
					continue
				}
				if view[subject] != trust.HealthCompromised {
					flaggedEverywhere = false
					break
				}
			}
			if flaggedEverywhere {
				result.ByzantineFlagged++
			} else {
				result.Missed = append(result.Missed, subject)
			}
			continue
		}
		for observer, view := range verdicts {
			if observer == subject {
				continue
			}
			if view[subject] == trust.HealthCompromised {
				result.HonestFlagged++
				result.FalsePositives = append(result.FalsePositives, subject)
				break
			}
		}
	}
	sort.Strings(result.Missed)
	sort.Strings(result.FalsePositives)
	return result
}

// corruptionDecision is one window's cached claim treatment, so
// gossip rebroadcasts of the same window stay byte-consistent.
type corruptionDecision struct {
	corrupt bool
	root    vine.Hash
}

// corruptingTransport models a compromised node: the service under it
// runs the honest implementation, but a paced fraction of its outbound
// checkpoint claims leave with a corrupted root, re-signed with the
// node's own key. Signatures stay valid; the content lies. Everything
// that is not a non-empty checkpoint summary passes through untouched.
type corruptingTransport struct {
	inner  mesh.Transport
	ring   *keyring.MemoryKeyring
	nodeID string
	rate   float64

	mu        sync.Mutex
	windows   int
	lies      int
	decisions map[uint64]corruptionDecision
}

func newCorruptingTransport(inner mesh.Transport, ring *keyring.MemoryKeyring, nodeID string, rate float64) *corruptingTransport {
	return &corruptingTransport{
		inner:     inner,
		ring:      ring,
		nodeID:    nodeID,
		rate:      rate,
		decisions: make(map[uint64]corruptionDecision),
	}
}

func (t *corruptingTransport) Broadcast(ctx context.Context, data []byte) error {
	return t.inner.Broadcast(ctx, t.tamper(data))
}

func (t *corruptingTransport) Send(ctx context.Context, peerID string, data []byte) error {
	return t.inner.Send(ctx, peerID, t.tamper(data))
}

// tamper corrupts the claimed root of a checkpoint summary according
// to the paced lie rate. Undecodable or non-summary traffic passes
// through unchanged.
func (t *corruptingTransport) tamper(data []byte) []byte {
	env, err := envelope.Decode(data)
	if err != nil || env.Kind != envelope.KindCheckpointSummary {
		return data
	}
	var claim checkpoint.Checkpoint
	if err := env.DecodeBody(&claim); err != nil || claim.EventCount() == 0 {
		return data
	}

	root, corrupt := t.decide(claim.StartSeq)
	if !corrupt {
		return data
	}
	claim.Root = root

	sealed, err := envelope.Seal(t.ring, t.nodeID, envelope.KindCheckpointSummary, claim)
	if err != nil {
		return data
	}
	encoded, err := sealed.Encode()
	if err != nil {
		return data
	}
	return encoded
}

// decide returns the cached treatment for a window, creating it with
// deterministic pacing: after w decisions, lies never exceed rate*w,
// so the achieved lie fraction tracks the configured rate exactly
// rather than sampling around it.
func (t *corruptingTransport) decide(windowStart uint64) (vine.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if decision, ok := t.decisions[windowStart]; ok {
		return decision.root, decision.corrupt
	}

	t.windows++
	decision := corruptionDecision{
		corrupt: float64(t.lies+1) <= t.rate*float64(t.windows),
	}
	if decision.corrupt {
		t.lies++
		decision.root = vine.HashPayload(fmt.Appendf(nil, "%s corrupted claim for window %d", t.nodeID, windowStart))
	}
	t.decisions[windowStart] = decision
	return decision.root, decision.corrupt
}
