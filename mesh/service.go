// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh orchestrates the trust engine for one node: it owns
// the local event chain, schedules checkpoint and gossip ticks,
// routes verified inbound traffic to the checkpoint builders and the
// trust scorer, and exposes the per-peer trust verdicts.
//
// The service never dials the network itself. Outbound envelopes go
// through the injected Transport; inbound envelopes arrive through
// Ingest, one call per message, from however many connections the
// surrounding transport maintains. All entry points are safe for
// concurrent use.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/clock"
	"github.com/meshvine/meshvine/lib/config"
	"github.com/meshvine/meshvine/lib/envelope"
	"github.com/meshvine/meshvine/lib/keyring"
	"github.com/meshvine/meshvine/lib/ledger"
	"github.com/meshvine/meshvine/lib/telemetry"
	"github.com/meshvine/meshvine/lib/trust"
	"github.com/meshvine/meshvine/lib/vine"
)

// Transport delivers sealed envelopes to the mesh. Implementations
// carry the bytes; authenticity lives in the envelope signature, so a
// transport that mangles or misdelivers traffic costs availability,
// never integrity.
type Transport interface {
	// Broadcast delivers data to every reachable peer.
	Broadcast(ctx context.Context, data []byte) error

	// Send delivers data to one peer.
	Send(ctx context.Context, peerID string, data []byte) error
}

// ledgerRetentionFactor sizes checkpoint retention as a multiple of
// the agreement window count, so catch-up can always serve at least
// as far back as scoring looks.
const ledgerRetentionFactor = 4

// Options configures a Service. Config, Keyring, and Transport are
// required; the rest default to production implementations.
type Options struct {
	Config    config.Config
	Keyring   keyring.Keyring
	Transport Transport

	// Sink receives telemetry records. Defaults to telemetry.NopSink.
	Sink telemetry.Sink

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the real clock. Tests substitute a fake to
	// drive ticks deterministically.
	Clock clock.Clock
}

// peerState is the per-peer verification state: the peer's chain as
// seen from here and the builder that rebuilds its claimed windows.
// Guarded by its own mutex so verification work for unrelated peers
// proceeds in parallel.
type peerState struct {
	mu      sync.Mutex
	chain   *vine.Chain
	builder *checkpoint.Builder

	// pendingClaim is a checkpoint summary whose window extends past
	// the events buffered so far. Retried as the missing tail
	// arrives; replaced when the peer claims a newer window first.
	pendingClaim *checkpoint.Checkpoint
}

// Service is the mesh trust engine for one node.
type Service struct {
	cfg       config.Config
	ring      keyring.Keyring
	transport Transport
	logger    *slog.Logger
	sink      telemetry.Sink
	clk       clock.Clock

	scorer *trust.Scorer
	ledger *ledger.Ledger

	// localMu guards the local chain, its builder, and the newest
	// own summary kept for gossip rebroadcast.
	localMu      sync.Mutex
	localChain   *vine.Chain
	localBuilder *checkpoint.Builder
	lastSummary  *checkpoint.Checkpoint

	peersMu sync.RWMutex
	peers   map[string]*peerState

	seenMu   sync.RWMutex
	lastSeen map[string]int64

	// outbox accumulates root reports between gossip ticks.
	outboxMu sync.Mutex
	outbox   []envelope.RootReport

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs a Service bound to one node identity and one signing
// capability. Configuration errors are fatal here; nothing starts
// until Start.
func New(options Options) (*Service, error) {
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if options.Keyring == nil {
		return nil, errors.New("mesh: keyring is required")
	}
	if options.Transport == nil {
		return nil, errors.New("mesh: transport is required")
	}
	if _, ok := options.Keyring.PublicKey(options.Config.NodeID); !ok {
		return nil, fmt.Errorf("mesh: keyring holds no key for local node %q", options.Config.NodeID)
	}

	sink := options.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	nodeID := options.Config.NodeID
	return &Service{
		cfg:          options.Config,
		ring:         options.Keyring,
		transport:    options.Transport,
		logger:       logger.With("node_id", nodeID),
		sink:         sink,
		clk:          clk,
		scorer:       trust.NewScorer(options.Config.TrustParams(), sink),
		ledger:       ledger.New(ledgerRetentionFactor * options.Config.AgreementWindowCount),
		localChain:   vine.NewChain(nodeID),
		localBuilder: checkpoint.NewBuilder(nodeID, options.Config.CheckpointWindowSize),
		peers:        make(map[string]*peerState),
		lastSeen:     make(map[string]int64),
	}, nil
}

// NodeID returns the local node identity.
func (s *Service) NodeID() string { return s.cfg.NodeID }

// Start launches the checkpoint and gossip schedules. It may be
// called once.
func (s *Service) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.New("mesh: service already started")
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.checkpointLoop()
	go s.gossipLoop()

	s.logger.Info("mesh service started",
		"window_size", s.cfg.CheckpointWindowSize,
		"checkpoint_interval_ms", s.cfg.CheckpointIntervalMS,
		"gossip_interval_ms", s.cfg.GossipIntervalMS)
	return nil
}

// Stop halts the schedules and waits for in-flight ticks to finish.
// Ingest and Append remain usable afterwards; only the periodic work
// stops.
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.lifecycleMu.Unlock()

	s.wg.Wait()
	s.logger.Info("mesh service stopped")
}

// Append records a locally produced payload on the node's chain,
// signs the resulting event, and broadcasts it. The event is
// committed locally before broadcast; delivery failures cost the mesh
// a gossip round, not the chain an event.
func (s *Service) Append(ctx context.Context, payload []byte) (*vine.Event, error) {
	s.localMu.Lock()
	event := s.localChain.Next(vine.HashPayload(payload))
	digest := event.Digest()
	event.Signature = s.ring.Sign(digest[:])
	if err := s.localChain.Append(event); err != nil {
		s.localMu.Unlock()
		return nil, fmt.Errorf("appending local event: %w", err)
	}
	if err := s.localBuilder.Add(event); err != nil {
		s.localMu.Unlock()
		return nil, fmt.Errorf("buffering local event: %w", err)
	}
	s.localMu.Unlock()

	s.broadcast(ctx, envelope.KindEvent, event)
	return event, nil
}

// Snapshot returns the current trust verdict for every tracked node.
// Each record is internally consistent; the map is assembled without
// a global pause, so records may reflect different instants.
func (s *Service) Snapshot() map[string]trust.TrustRecord {
	nodes := s.scorer.Nodes()
	records := make(map[string]trust.TrustRecord, len(nodes))
	for _, nodeID := range nodes {
		if record, ok := s.scorer.Record(nodeID); ok {
			records[nodeID] = record
		}
	}
	return records
}

// CurrentHealth returns the health classification for one node,
// HealthUnknown if never observed.
func (s *Service) CurrentHealth(nodeID string) trust.Health {
	return s.scorer.CurrentHealth(nodeID)
}

// TrustRecord returns the full verdict for one node.
func (s *Service) TrustRecord(nodeID string) (trust.TrustRecord, bool) {
	return s.scorer.Record(nodeID)
}

// LastSeen returns a copy of the liveness map: the newest known
// activity time per node, in Unix milliseconds.
func (s *Service) LastSeen() map[string]int64 {
	s.seenMu.RLock()
	defer s.seenMu.RUnlock()
	seen := make(map[string]int64, len(s.lastSeen))
	for nodeID, at := range s.lastSeen {
		seen[nodeID] = at
	}
	return seen
}

// Reset clears a node's trust record and checkpoint history after
// administrative remediation. Chain state survives: linkage to the
// events the node actually emitted is a cryptographic fact, not an
// opinion, and a remediated node resumes from its real chain
// position.
func (s *Service) Reset(nodeID string) {
	s.scorer.Reset(nodeID)
	s.ledger.Forget(nodeID)
	s.logger.Info("trust record reset", "subject", nodeID)
}

// peer returns the verification state for nodeID, creating it on
// first contact.
func (s *Service) peer(nodeID string) *peerState {
	s.peersMu.RLock()
	state := s.peers[nodeID]
	s.peersMu.RUnlock()
	if state != nil {
		return state
	}

	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if state = s.peers[nodeID]; state == nil {
		state = &peerState{
			chain:   vine.NewChain(nodeID),
			builder: checkpoint.NewBuilder(nodeID, s.cfg.CheckpointWindowSize),
		}
		s.peers[nodeID] = state
	}
	return state
}

// markSeen refreshes the liveness entry for nodeID if at is newer.
func (s *Service) markSeen(nodeID string, at int64) {
	s.seenMu.Lock()
	if at > s.lastSeen[nodeID] {
		s.lastSeen[nodeID] = at
	}
	s.seenMu.Unlock()
}

func (s *Service) nowMS() int64 { return s.clk.Now().UnixMilli() }

// seal signs and encodes an outbound envelope.
func (s *Service) seal(kind envelope.Kind, body any) ([]byte, error) {
	env, err := envelope.Seal(s.ring, s.cfg.NodeID, kind, body)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// broadcast seals body and delivers it to every peer. Failures are
// logged, never propagated: gossip is redundant and the next tick
// retries the state exchange.
func (s *Service) broadcast(ctx context.Context, kind envelope.Kind, body any) {
	data, err := s.seal(kind, body)
	if err != nil {
		s.logger.Error("sealing broadcast", "kind", kind, "error", err)
		return
	}
	if err := s.transport.Broadcast(ctx, data); err != nil {
		s.logger.Warn("broadcast failed", "kind", kind, "error", err)
	}
}

// sendTo seals body and delivers it to one peer.
func (s *Service) sendTo(ctx context.Context, peerID string, kind envelope.Kind, body any) {
	data, err := s.seal(kind, body)
	if err != nil {
		s.logger.Error("sealing message", "kind", kind, "peer", peerID, "error", err)
		return
	}
	if err := s.transport.Send(ctx, peerID, data); err != nil {
		s.logger.Warn("send failed", "kind", kind, "peer", peerID, "error", err)
	}
}

// observeVerification records how long a Merkle rebuild took. Timing
// uses the wall clock directly, not the injected clock: under a fake
// clock the durations must still be real.
func (s *Service) observeVerification(kind, nodeID string, eventCount int, started time.Time) {
	s.sink.RecordVerificationLatency(telemetry.VerificationLatency{
		Kind:       kind,
		NodeID:     nodeID,
		EventCount: eventCount,
		Duration:   time.Since(started),
	})
}
