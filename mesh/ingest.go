// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/envelope"
	"github.com/meshvine/meshvine/lib/trust"
	"github.com/meshvine/meshvine/lib/vine"
)

// Ingest is the single entry point for inbound peer traffic. It
// verifies the envelope signature, then routes by kind. Any
// verification failure records a signature-failure signal against the
// claimed sender and drops the message; a message is never partially
// trusted. The returned error is for the transport's visibility only;
// the service has already absorbed the failure.
func (s *Service) Ingest(ctx context.Context, data []byte) error {
	env, err := envelope.Decode(data)
	if err != nil {
		// Undecodable bytes carry no attributable sender.
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Sender == s.cfg.NodeID {
		// Own broadcast reflected back by the transport.
		return nil
	}

	now := s.nowMS()
	if err := env.Verify(s.ring); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("verifying envelope from %s: %w", env.Sender, err)
	}
	s.markSeen(env.Sender, now)

	switch env.Kind {
	case envelope.KindEvent:
		return s.handleEvent(env, now)
	case envelope.KindRootReport:
		return s.handleRootReport(env, now)
	case envelope.KindCheckpointSummary:
		return s.handleSummary(ctx, env, now)
	case envelope.KindCheckpointRequest:
		return s.handleCheckpointRequest(ctx, env, now)
	case envelope.KindCheckpointResponse:
		return s.handleCheckpointResponse(env, now)
	case envelope.KindPeerState:
		return s.handlePeerState(env, now)
	}
	return fmt.Errorf("unhandled envelope kind %q", env.Kind)
}

// recordVerificationFailure registers a cryptographic or structural
// failure against nodeID and recomputes its verdict. Identity
// failures are adversarial, not transient: there is no retry path.
func (s *Service) recordVerificationFailure(nodeID string, now int64, cause error) {
	s.scorer.RecordSignatureFailure(nodeID, now)
	record := s.scorer.Recalculate(nodeID, now)
	s.logger.Warn("inbound verification failure",
		"sender", nodeID, "health", record.Health, "error", cause)
}

// handleEvent links a peer's chain event into our replica of its
// chain and buffers it for window verification.
func (s *Service) handleEvent(env *envelope.Envelope, now int64) error {
	var event vine.Event
	if err := env.DecodeBody(&event); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding event from %s: %w", env.Sender, err)
	}
	if event.NodeID != env.Sender {
		// Events are accepted only from their origin. A relayed or
		// fabricated third-party event carries no fresh evidence, and
		// a bad signature on it must not be pinned on the named node.
		s.logger.Warn("event for foreign chain dropped",
			"sender", env.Sender, "claimed_node", event.NodeID)
		return nil
	}
	digest := event.Digest()
	if err := s.ring.Verify(env.Sender, digest[:], event.Signature); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("verifying event signature from %s: %w", env.Sender, err)
	}

	if report := s.appendPeerEvent(s.peer(env.Sender), &event, now); report != nil {
		s.applyOwnReport(*report, now)
	}
	return nil
}

// appendPeerEvent advances the peer's chain replica by one verified
// event. A fork at the expected sequence quarantines the peer; events
// beyond or behind the chain head are dropped as transport loss and
// duplication, which cost evidence, not trust. Returns a root report
// when the event completed a previously claimed window.
func (s *Service) appendPeerEvent(peer *peerState, event *vine.Event, now int64) *trust.RootReport {
	peer.mu.Lock()
	defer peer.mu.Unlock()

	if err := peer.chain.Append(event); err != nil {
		var mismatch *vine.AncestorMismatchError
		if !errors.As(err, &mismatch) {
			s.logger.Warn("event append failed", "node", event.NodeID, "error", err)
			return nil
		}
		switch {
		case mismatch.SequenceNo > mismatch.WantSequence:
			s.logger.Debug("event beyond chain head dropped",
				"node", event.NodeID, "sequence", mismatch.SequenceNo, "want", mismatch.WantSequence)
		case mismatch.SequenceNo < mismatch.WantSequence:
			s.logger.Debug("replayed event dropped",
				"node", event.NodeID, "sequence", mismatch.SequenceNo, "want", mismatch.WantSequence)
		default:
			// Same sequence, different ancestry: the node forked its
			// own history.
			s.scorer.RecordChainBreak(event.NodeID, now)
			record := s.scorer.Recalculate(event.NodeID, now)
			s.logger.Warn("chain break detected",
				"node", event.NodeID, "sequence", mismatch.SequenceNo,
				"health", record.Health, "error", mismatch)
		}
		return nil
	}

	if err := peer.builder.Add(event); err != nil {
		// The chain and the builder advance in lockstep; divergence
		// is a bug, not peer behavior.
		s.logger.Error("builder out of step with chain", "node", event.NodeID, "error", err)
		return nil
	}
	return s.retryPendingClaimLocked(peer, event.NodeID, now)
}

// retryPendingClaimLocked attempts the peer's held checkpoint claim
// against the events buffered so far. Caller holds peer.mu. On
// success the claim is consumed and our verification report returned;
// an incomplete window stays held for the next event.
func (s *Service) retryPendingClaimLocked(peer *peerState, nodeID string, now int64) *trust.RootReport {
	claim := peer.pendingClaim
	if claim == nil {
		return nil
	}

	started := time.Now()
	rebuilt, err := peer.builder.BuildClaimed(claim.StartSeq, claim.EndSeq, now)
	switch {
	case err == nil:
		peer.pendingClaim = nil
		s.observeVerification("peer-verify", nodeID, rebuilt.EventCount(), started)
		return &trust.RootReport{
			ReporterID:  s.cfg.NodeID,
			SubjectID:   nodeID,
			WindowStart: rebuilt.StartSeq,
			Root:        rebuilt.Root,
			ObservedAt:  now,
		}
	case errors.Is(err, checkpoint.ErrWindowIncomplete):
		s.logger.Debug("claimed window incomplete, holding",
			"node", nodeID, "window_start", claim.StartSeq, "window_end", claim.EndSeq)
		return nil
	default:
		peer.pendingClaim = nil
		s.logger.Debug("claimed window not verifiable here", "node", nodeID, "error", err)
		return nil
	}
}

// applyOwnReport feeds a locally produced verification report into
// our own scorer and queues it for the next gossip flush.
func (s *Service) applyOwnReport(report trust.RootReport, now int64) {
	s.scorer.RecordRootReport(report, now)
	s.scorer.Recalculate(report.SubjectID, now)

	s.outboxMu.Lock()
	s.outbox = append(s.outbox, envelope.RootReport{
		SubjectID:   report.SubjectID,
		WindowStart: report.WindowStart,
		Root:        report.Root,
		ObservedAt:  report.ObservedAt,
	})
	s.outboxMu.Unlock()
}

// handleSummary processes a peer's claim about its own newest
// checkpoint: continuity against the ledger, then an independent
// rebuild of the claimed window from our replica of its chain. The
// report we emit carries our root whether or not it matches the
// claim; disagreement is exactly the evidence the mesh runs on.
func (s *Service) handleSummary(ctx context.Context, env *envelope.Envelope, now int64) error {
	var claim checkpoint.Checkpoint
	if err := env.DecodeBody(&claim); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding checkpoint summary from %s: %w", env.Sender, err)
	}
	if claim.NodeID != env.Sender {
		s.logger.Warn("summary for foreign chain dropped",
			"sender", env.Sender, "claimed_node", claim.NodeID)
		return nil
	}

	outcome, err := s.ledger.Observe(claim)
	if err != nil {
		s.logger.Warn("malformed checkpoint summary", "sender", env.Sender, "error", err)
		return nil
	}
	if outcome.RootChanged {
		s.logger.Warn("conflicting root for already-claimed window",
			"node", claim.NodeID, "window_start", claim.StartSeq)
	}
	if outcome.Gap {
		s.scorer.RecordMissingWindow(claim.NodeID, now)
		s.logger.Info("checkpoint gap detected",
			"node", claim.NodeID, "missed_from", outcome.MissedFrom, "missed_to", outcome.MissedTo)
		s.sendTo(ctx, env.Sender, envelope.KindCheckpointRequest, envelope.CheckpointRequest{
			SubjectID:       claim.NodeID,
			FromWindowStart: outcome.MissedFrom,
		})
	}

	// Empty windows hold the ledger position and prove liveness but
	// carry no root evidence; only consumed windows are scored.
	if claim.EventCount() > 0 {
		s.scorer.RecordClaimedRoot(claim.NodeID, claim.StartSeq, claim.Root, now)
		if report := s.verifyClaim(claim, now); report != nil {
			s.applyOwnReport(*report, now)
		}
	}
	s.scorer.Recalculate(claim.NodeID, now)
	return nil
}

// verifyClaim rebuilds the claimed window from our replica of the
// subject's chain. Claims whose events have not all arrived are held
// and retried per event.
func (s *Service) verifyClaim(claim checkpoint.Checkpoint, now int64) *trust.RootReport {
	peer := s.peer(claim.NodeID)
	peer.mu.Lock()
	defer peer.mu.Unlock()

	hold := claim
	peer.pendingClaim = &hold
	return s.retryPendingClaimLocked(peer, claim.NodeID, now)
}

// handleRootReport tallies another reporter's observation of some
// subject's root.
func (s *Service) handleRootReport(env *envelope.Envelope, now int64) error {
	var body envelope.RootReport
	if err := env.DecodeBody(&body); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding root report from %s: %w", env.Sender, err)
	}
	if body.SubjectID == env.Sender {
		// Self-reports add no independent evidence.
		return nil
	}
	if s.scorer.CurrentHealth(env.Sender) == trust.HealthCompromised {
		// Quarantined nodes remain observed subjects but lose their
		// vote over everyone else.
		s.logger.Debug("report from quarantined node dropped",
			"reporter", env.Sender, "subject", body.SubjectID)
		return nil
	}

	s.scorer.RecordRootReport(trust.RootReport{
		ReporterID:  env.Sender,
		SubjectID:   body.SubjectID,
		WindowStart: body.WindowStart,
		Root:        body.Root,
		ObservedAt:  body.ObservedAt,
	}, now)
	s.scorer.Recalculate(body.SubjectID, now)
	return nil
}

// handleCheckpointRequest serves retained checkpoint history for a
// subject. Requests are honored regardless of the requester's health;
// catch-up data is how a remediated node rejoins.
func (s *Service) handleCheckpointRequest(ctx context.Context, env *envelope.Envelope, now int64) error {
	var request envelope.CheckpointRequest
	if err := env.DecodeBody(&request); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding checkpoint request from %s: %w", env.Sender, err)
	}

	retained := s.ledger.Retained(request.SubjectID, request.FromWindowStart)
	if len(retained) == 0 {
		s.logger.Debug("no retained checkpoints for request",
			"subject", request.SubjectID, "from", request.FromWindowStart, "requester", env.Sender)
		return nil
	}
	batch, err := envelope.NewCheckpointBatch(request.SubjectID, retained)
	if err != nil {
		return fmt.Errorf("packing checkpoint batch for %s: %w", env.Sender, err)
	}
	s.sendTo(ctx, env.Sender, envelope.KindCheckpointResponse, batch)
	return nil
}

// handleCheckpointResponse backfills relayed checkpoint history into
// the ledger. Relayed data never drives scoring and never moves gap
// detection; those stay bound to what the subject claims directly.
func (s *Service) handleCheckpointResponse(env *envelope.Envelope, now int64) error {
	var batch envelope.CheckpointBatch
	if err := env.DecodeBody(&batch); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding checkpoint response from %s: %w", env.Sender, err)
	}
	checkpoints, err := batch.Checkpoints()
	if err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("unpacking checkpoint batch from %s: %w", env.Sender, err)
	}

	filled := 0
	for _, cp := range checkpoints {
		if cp.NodeID != batch.SubjectID {
			s.logger.Warn("batch checkpoint for wrong subject dropped",
				"responder", env.Sender, "subject", batch.SubjectID, "found", cp.NodeID)
			continue
		}
		if err := s.ledger.Backfill(cp); err != nil {
			s.logger.Debug("unusable relayed checkpoint", "responder", env.Sender, "error", err)
			continue
		}
		filled++
	}
	if filled > 0 {
		s.logger.Debug("checkpoint history backfilled",
			"subject", batch.SubjectID, "windows", filled, "responder", env.Sender)
	}
	return nil
}

// handlePeerState merges a peer's liveness map. Only nodes already
// known here are merged: discovery belongs to the transport layer,
// and an open merge would let one peer grow the map without bound.
func (s *Service) handlePeerState(env *envelope.Envelope, now int64) error {
	var state envelope.PeerState
	if err := env.DecodeBody(&state); err != nil {
		s.recordVerificationFailure(env.Sender, now, err)
		return fmt.Errorf("decoding peer state from %s: %w", env.Sender, err)
	}
	if s.scorer.CurrentHealth(env.Sender) == trust.HealthCompromised {
		s.logger.Debug("peer state from quarantined node dropped", "sender", env.Sender)
		return nil
	}

	for nodeID, at := range state.LastSeen {
		if nodeID == s.cfg.NodeID || !s.knownNode(nodeID) {
			continue
		}
		if at > now {
			// A peer's clock cannot testify about our future.
			at = now
		}
		s.markSeen(nodeID, at)
	}
	return nil
}

// knownNode reports whether nodeID has either verification state or
// a registered key here.
func (s *Service) knownNode(nodeID string) bool {
	s.peersMu.RLock()
	_, ok := s.peers[nodeID]
	s.peersMu.RUnlock()
	if ok {
		return true
	}
	_, ok = s.ring.PublicKey(nodeID)
	return ok
}
