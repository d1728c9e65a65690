// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"time"

	"github.com/meshvine/meshvine/lib/envelope"
)

func (s *Service) checkpointLoop() {
	defer s.wg.Done()
	ticker := s.clk.NewTicker(time.Duration(s.cfg.CheckpointIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.checkpointTick(s.runCtx)
		}
	}
}

func (s *Service) gossipLoop() {
	defer s.wg.Done()
	ticker := s.clk.NewTicker(time.Duration(s.cfg.GossipIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.gossipTick(s.runCtx)
		}
	}
}

// checkpointTick cuts the next local checkpoint and broadcasts the
// summary. A window that never filled is finalized regardless; the
// interval is a deadline, not a fill target.
func (s *Service) checkpointTick(ctx context.Context) {
	now := s.nowMS()
	started := time.Now()

	s.localMu.Lock()
	cp, _ := s.localBuilder.Build(now)
	s.lastSummary = &cp
	s.localMu.Unlock()

	s.observeVerification("checkpoint-build", s.cfg.NodeID, cp.EventCount(), started)

	if _, err := s.ledger.Observe(cp); err != nil {
		s.logger.Error("recording own checkpoint", "error", err)
	}
	if cp.EventCount() > 0 {
		s.scorer.RecordClaimedRoot(s.cfg.NodeID, cp.StartSeq, cp.Root, now)
	}

	s.logger.Debug("checkpoint built",
		"window_start", cp.StartSeq, "window_end", cp.EndSeq, "events", cp.EventCount())
	s.broadcast(ctx, envelope.KindCheckpointSummary, cp)
}

// gossipTick flushes accumulated root reports and re-exchanges the
// newest local summary and the liveness view. Everything sent here is
// redundant state; a dropped tick costs freshness only.
func (s *Service) gossipTick(ctx context.Context) {
	now := s.nowMS()

	s.outboxMu.Lock()
	reports := s.outbox
	s.outbox = nil
	s.outboxMu.Unlock()

	for _, report := range reports {
		s.broadcast(ctx, envelope.KindRootReport, report)
	}

	s.localMu.Lock()
	summary := s.lastSummary
	s.localMu.Unlock()
	if summary != nil {
		s.broadcast(ctx, envelope.KindCheckpointSummary, *summary)
	}

	seen := s.LastSeen()
	seen[s.cfg.NodeID] = now
	s.broadcast(ctx, envelope.KindPeerState, envelope.PeerState{LastSeen: seen})
}
