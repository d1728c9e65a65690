// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"fmt"
	"sync"
	"testing"

	"github.com/meshvine/meshvine/lib/telemetry"
	"github.com/meshvine/meshvine/lib/vine"
)

func newTestScorer(sink telemetry.Sink) *Scorer {
	return NewScorer(DefaultParams(), sink)
}

// reportWindow registers subject's claimed root for a window plus
// matching and dissenting reports from distinct reporters.
func reportWindow(scorer *Scorer, subject string, window uint64, matching, dissenting int, nowMS int64) {
	claimed := vine.HashPayload([]byte(fmt.Sprintf("%s window %d", subject, window)))
	wrong := vine.HashPayload([]byte(fmt.Sprintf("%s window %d dissent", subject, window)))

	scorer.RecordClaimedRoot(subject, window, claimed, nowMS)
	reporter := 0
	for i := 0; i < matching; i++ {
		scorer.RecordRootReport(RootReport{
			ReporterID:  fmt.Sprintf("reporter-%d", reporter),
			SubjectID:   subject,
			WindowStart: window,
			Root:        claimed,
			ObservedAt:  nowMS,
		}, nowMS)
		reporter++
	}
	for i := 0; i < dissenting; i++ {
		scorer.RecordRootReport(RootReport{
			ReporterID:  fmt.Sprintf("reporter-%d", reporter),
			SubjectID:   subject,
			WindowStart: window,
			Root:        wrong,
			ObservedAt:  nowMS,
		}, nowMS)
		reporter++
	}
}

func TestZeroTrustDefault(t *testing.T) {
	scorer := newTestScorer(nil)

	for _, nodeID := range []string{"never-seen", "also-never-seen", ""} {
		if health := scorer.CurrentHealth(nodeID); health != HealthUnknown {
			t.Errorf("CurrentHealth(%q) = %v, want unknown", nodeID, health)
		}
		record, observed := scorer.Record(nodeID)
		if observed {
			t.Errorf("Record(%q) reports observed for a never-seen node", nodeID)
		}
		if record.Score != 0.0 || record.Health != HealthUnknown {
			t.Errorf("Record(%q) = score %v health %v, want 0.0 unknown", nodeID, record.Score, record.Health)
		}
	}

	// Recalculating an unknown node reports unknown without creating
	// table state.
	record := scorer.Recalculate("never-seen", 1000)
	if record.Health != HealthUnknown || record.Score != 0.0 {
		t.Errorf("Recalculate(never-seen) = %v/%v, want unknown/0.0", record.Health, record.Score)
	}
	if nodes := scorer.Nodes(); len(nodes) != 0 {
		t.Errorf("table grew to %v after recalculating an unknown node", nodes)
	}
}

func TestHealthyOnFirstVerifiedEvidence(t *testing.T) {
	scorer := newTestScorer(nil)

	// 49 of 50 reporters agree: 98% agreement, healthy band.
	reportWindow(scorer, "node-a", 0, 49, 1, 1000)
	record := scorer.Recalculate("node-a", 1000)

	if record.Health != HealthHealthy {
		t.Fatalf("health = %v, want healthy", record.Health)
	}
	if record.Score < 0.9 {
		t.Errorf("score = %v, want >= 0.9", record.Score)
	}
}

func TestImmediateQuarantineOnChainBreak(t *testing.T) {
	scorer := newTestScorer(nil)

	// Establish a healthy history first: immediate quarantine must
	// apply regardless of prior score.
	reportWindow(scorer, "node-a", 0, 20, 0, 1000)
	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthHealthy {
		t.Fatalf("setup: health = %v, want healthy", record.Health)
	}

	scorer.RecordChainBreak("node-a", 2000)
	record := scorer.Recalculate("node-a", 2000)

	if record.Health != HealthCompromised {
		t.Fatalf("health after chain break = %v, want compromised", record.Health)
	}
	if record.Cause != CauseChainBreak {
		t.Errorf("cause = %q, want %q", record.Cause, CauseChainBreak)
	}
	if record.Score >= DefaultParams().QuarantineThreshold {
		t.Errorf("score = %v, want below quarantine threshold", record.Score)
	}
}

func TestImmediateQuarantineOnSignatureFailure(t *testing.T) {
	scorer := newTestScorer(nil)

	scorer.RecordSignatureFailure("node-a", 1000)
	record := scorer.Recalculate("node-a", 1000)

	if record.Health != HealthCompromised {
		t.Fatalf("health after signature failure = %v, want compromised", record.Health)
	}
	if record.Cause != CauseSignatureFailure {
		t.Errorf("cause = %q, want %q", record.Cause, CauseSignatureFailure)
	}
}

func TestAgreementThresholdBoundary(t *testing.T) {
	// Exactly 80% agreement is degraded, not Byzantine. One fewer
	// matching reporter flips the classification.
	scorer := newTestScorer(nil)

	reportWindow(scorer, "at-boundary", 0, 16, 4, 1000)
	record := scorer.Recalculate("at-boundary", 1000)
	if record.Health != HealthDegraded {
		t.Errorf("at exactly 80%%: health = %v (score %v), want degraded", record.Health, record.Score)
	}

	reportWindow(scorer, "below-boundary", 0, 15, 5, 1000)
	record = scorer.Recalculate("below-boundary", 1000)
	if record.Health != HealthCompromised {
		t.Errorf("below 80%%: health = %v (score %v), want compromised", record.Health, record.Score)
	}
	if record.Cause != CauseLowAgreement {
		t.Errorf("below 80%%: cause = %q, want %q", record.Cause, CauseLowAgreement)
	}
}

func TestMinimumSamplePolicy(t *testing.T) {
	scorer := newTestScorer(nil)

	// Two reporters is below the default minimum of three, even in
	// full agreement: the node must stay unknown, not be scored.
	reportWindow(scorer, "node-a", 0, 2, 0, 1000)
	record := scorer.Recalculate("node-a", 1000)
	if record.Health != HealthUnknown {
		t.Errorf("health with 2 reporters = %v, want unknown", record.Health)
	}

	// A claim with no reports at all is equally unscoreable.
	scorer.RecordClaimedRoot("node-b", 0, vine.HashPayload([]byte("root")), 1000)
	if record := scorer.Recalculate("node-b", 1000); record.Health != HealthUnknown {
		t.Errorf("health with claim only = %v, want unknown", record.Health)
	}

	// An established verdict holds through an under-sampled window
	// rather than being penalized. Retention of one window forces the
	// under-sampled window to be the only evidence left.
	params := DefaultParams()
	params.AgreementWindowCount = 1
	held := NewScorer(params, nil)
	reportWindow(held, "node-c", 0, 10, 0, 1000)
	if record := held.Recalculate("node-c", 1000); record.Health != HealthHealthy {
		t.Fatalf("setup: health = %v, want healthy", record.Health)
	}
	reportWindow(held, "node-c", 100, 1, 0, 2000)
	record = held.Recalculate("node-c", 2000)
	if record.Health != HealthHealthy {
		t.Errorf("health after under-sampled window = %v, want healthy held", record.Health)
	}
}

func TestReportsWithoutClaimAreNotScored(t *testing.T) {
	scorer := newTestScorer(nil)

	// Five dissenting reports but no claim from the subject itself:
	// nothing to compare against, so no verdict.
	wrong := vine.HashPayload([]byte("dissenting root"))
	for i := 0; i < 5; i++ {
		scorer.RecordRootReport(RootReport{
			ReporterID:  fmt.Sprintf("reporter-%d", i),
			SubjectID:   "node-a",
			WindowStart: 0,
			Root:        wrong,
			ObservedAt:  1000,
		}, 1000)
	}
	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthUnknown {
		t.Errorf("health with reports but no claim = %v, want unknown", record.Health)
	}

	// Once the claim arrives the same reports become scoreable.
	scorer.RecordClaimedRoot("node-a", 0, vine.HashPayload([]byte("claimed root")), 1100)
	record := scorer.Recalculate("node-a", 1100)
	if record.Health != HealthCompromised {
		t.Errorf("health after claim arrived = %v, want compromised (0%% agreement)", record.Health)
	}
}

func TestSelfReportsIgnored(t *testing.T) {
	scorer := newTestScorer(nil)
	claimed := vine.HashPayload([]byte("self-vouched root"))

	scorer.RecordClaimedRoot("node-a", 0, claimed, 1000)
	// The subject "voting" for itself three times must not reach the
	// minimum sample.
	for i := 0; i < 3; i++ {
		scorer.RecordRootReport(RootReport{
			ReporterID:  "node-a",
			SubjectID:   "node-a",
			WindowStart: 0,
			Root:        claimed,
			ObservedAt:  1000,
		}, 1000)
	}

	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthUnknown {
		t.Errorf("health from self-reports = %v, want unknown", record.Health)
	}
}

func TestDuplicateReporterCountsOnce(t *testing.T) {
	scorer := newTestScorer(nil)
	claimed := vine.HashPayload([]byte("root"))

	scorer.RecordClaimedRoot("node-a", 0, claimed, 1000)
	// One reporter re-reporting five times is one vote, below the
	// minimum sample of three.
	for i := 0; i < 5; i++ {
		scorer.RecordRootReport(RootReport{
			ReporterID:  "reporter-0",
			SubjectID:   "node-a",
			WindowStart: 0,
			Root:        claimed,
			ObservedAt:  1000,
		}, 1000)
	}

	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthUnknown {
		t.Errorf("health from one repeated reporter = %v, want unknown", record.Health)
	}
}

func TestQuarantineIsTerminalUntilReset(t *testing.T) {
	scorer := newTestScorer(nil)

	scorer.RecordChainBreak("node-a", 1000)
	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthCompromised {
		t.Fatalf("setup: health = %v, want compromised", record.Health)
	}

	// Perfect agreement afterwards must not rehabilitate the node.
	for window := uint64(0); window < 5; window++ {
		reportWindow(scorer, "node-a", window*100, 50, 0, 2000)
	}
	record := scorer.Recalculate("node-a", 2000)
	if record.Health != HealthCompromised {
		t.Errorf("health after quarantine + perfect evidence = %v, want compromised", record.Health)
	}

	// Administrative reset is the only path out: back to zero trust,
	// then fresh evidence can re-establish.
	scorer.Reset("node-a")
	if health := scorer.CurrentHealth("node-a"); health != HealthUnknown {
		t.Fatalf("health after reset = %v, want unknown", health)
	}
	reportWindow(scorer, "node-a", 0, 50, 0, 3000)
	if record := scorer.Recalculate("node-a", 3000); record.Health != HealthHealthy {
		t.Errorf("health after reset + healthy evidence = %v, want healthy", record.Health)
	}
}

func TestStaleEvidenceRevertsToUnknown(t *testing.T) {
	scorer := newTestScorer(nil)
	params := DefaultParams()

	reportWindow(scorer, "node-a", 0, 10, 0, 1000)
	if record := scorer.Recalculate("node-a", 1000); record.Health != HealthHealthy {
		t.Fatalf("setup: health = %v, want healthy", record.Health)
	}

	staleNow := 1000 + params.StaleAfterMS + 1
	record := scorer.Recalculate("node-a", staleNow)
	if record.Health != HealthUnknown || record.Score != 0.0 {
		t.Errorf("stale record = %v/%v, want unknown/0.0", record.Health, record.Score)
	}
}

func TestQuarantineDoesNotDecayToUnknown(t *testing.T) {
	scorer := newTestScorer(nil)
	params := DefaultParams()

	scorer.RecordSignatureFailure("node-a", 1000)
	scorer.Recalculate("node-a", 1000)

	record := scorer.Recalculate("node-a", 1000+params.StaleAfterMS*10)
	if record.Health != HealthCompromised {
		t.Errorf("health after TTL in quarantine = %v, want compromised (terminal)", record.Health)
	}
}

func TestSmoothingDampsSingleWindowDip(t *testing.T) {
	scorer := newTestScorer(nil)

	// Fifteen clean windows, then one with a dissenting minority. The
	// aggregate barely moves, so an established healthy node stays
	// healthy.
	for window := uint64(0); window < 15; window++ {
		reportWindow(scorer, "node-a", window*100, 10, 0, 1000)
		scorer.Recalculate("node-a", 1000)
	}
	reportWindow(scorer, "node-a", 1500, 7, 3, 2000)
	record := scorer.Recalculate("node-a", 2000)

	if record.Health != HealthHealthy {
		t.Errorf("health after one noisy window = %v (score %v), want healthy", record.Health, record.Score)
	}
}

func TestDegradedRecoversTowardHealthy(t *testing.T) {
	params := DefaultParams()
	params.AgreementWindowCount = 2
	scorer := NewScorer(params, nil)

	// Establish, then degrade with two poor windows.
	reportWindow(scorer, "node-a", 0, 17, 3, 1000)
	scorer.Recalculate("node-a", 1000)
	reportWindow(scorer, "node-a", 100, 17, 3, 1100)
	record := scorer.Recalculate("node-a", 1100)
	if record.Health != HealthDegraded {
		t.Fatalf("setup: health = %v (score %v), want degraded", record.Health, record.Score)
	}

	// Clean windows push the retained aggregate back up; the EMA
	// walks the score into the healthy band within a bounded number
	// of recalculations.
	recovered := false
	for window := uint64(2); window < 40 && !recovered; window++ {
		reportWindow(scorer, "node-a", window*100, 20, 0, int64(1100+window*10))
		record = scorer.Recalculate("node-a", int64(1100+window*10))
		recovered = record.Health == HealthHealthy
	}
	if !recovered {
		t.Errorf("node never recovered to healthy; final %v (score %v)", record.Health, record.Score)
	}
}

func TestMissingWindowsCapAndQuarantine(t *testing.T) {
	scorer := newTestScorer(nil)

	// Two missed windows cap an otherwise perfect node below the
	// healthy band.
	reportWindow(scorer, "node-a", 0, 20, 0, 1000)
	scorer.RecordMissingWindow("node-a", 1000)
	scorer.RecordMissingWindow("node-a", 1000)
	record := scorer.Recalculate("node-a", 1000)
	if record.Health != HealthDegraded {
		t.Errorf("health with 2 missing windows = %v (score %v), want degraded", record.Health, record.Score)
	}

	// A sustained pattern of missing windows is a compromise signal:
	// ten are tolerated as degraded territory, the eleventh
	// quarantines.
	for i := 0; i < 11; i++ {
		scorer.RecordMissingWindow("node-b", 1000)
	}
	reportWindow(scorer, "node-b", 0, 20, 0, 1000)
	rec := scorer.Recalculate("node-b", 1000)
	if rec.Health != HealthCompromised {
		t.Errorf("health with 11 missing windows = %v, want compromised", rec.Health)
	}
	if rec.Cause != CauseMissingWindows {
		t.Errorf("cause = %q, want %q", rec.Cause, CauseMissingWindows)
	}
}

func TestQuarantineTelemetryEmittedOnceWithCause(t *testing.T) {
	sink := &telemetry.MemorySink{}
	scorer := newTestScorer(sink)

	scorer.RecordChainBreak("node-a", 1000)
	scorer.Recalculate("node-a", 1000)
	scorer.Recalculate("node-a", 1001)
	scorer.Recalculate("node-a", 1002)

	events := sink.QuarantineEvents()
	if len(events) != 1 {
		t.Fatalf("quarantine events = %d, want 1 (transition only)", len(events))
	}
	if events[0].NodeID != "node-a" {
		t.Errorf("event node = %q, want node-a", events[0].NodeID)
	}
	if events[0].Cause != string(CauseChainBreak) {
		t.Errorf("event cause = %q, want %q", events[0].Cause, CauseChainBreak)
	}
	if events[0].Score >= DefaultParams().QuarantineThreshold {
		t.Errorf("event score = %v, want below threshold", events[0].Score)
	}

	if len(sink.Recalculations()) != 3 {
		t.Errorf("recalculation records = %d, want 3", len(sink.Recalculations()))
	}
}

func TestParamsValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"quarantine above one", func(p *Params) { p.QuarantineThreshold = 1.5 }},
		{"negative healthy", func(p *Params) { p.HealthyThreshold = -0.1 }},
		{"inverted thresholds", func(p *Params) { p.QuarantineThreshold = 0.95; p.HealthyThreshold = 0.9 }},
		{"zero min reports", func(p *Params) { p.MinReportCount = 0 }},
		{"zero window count", func(p *Params) { p.AgreementWindowCount = 0 }},
		{"zero smoothing", func(p *Params) { p.ScoreSmoothing = 0 }},
		{"smoothing above one", func(p *Params) { p.ScoreSmoothing = 1.1 }},
		{"zero ttl", func(p *Params) { p.StaleAfterMS = 0 }},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			params := DefaultParams()
			testCase.mutate(&params)
			defer func() {
				if recover() == nil {
					t.Error("NewScorer accepted invalid params")
				}
			}()
			NewScorer(params, nil)
		})
	}
}

func TestConcurrentEvidenceDisjointNodes(t *testing.T) {
	scorer := newTestScorer(nil)
	const nodes = 16
	const windowsPerNode = 8

	var group sync.WaitGroup
	for n := 0; n < nodes; n++ {
		group.Add(1)
		go func(n int) {
			defer group.Done()
			subject := fmt.Sprintf("node-%02d", n)
			for window := uint64(0); window < windowsPerNode; window++ {
				reportWindow(scorer, subject, window*100, 10, 0, int64(1000+window))
				scorer.Recalculate(subject, int64(1000+window))
			}
		}(n)
	}

	// Concurrent readers must always observe complete records.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for nodeID, record := range scorer.Snapshot() {
					switch record.Health {
					case HealthUnknown, HealthHealthy, HealthDegraded, HealthCompromised:
					default:
						t.Errorf("torn record for %s: health %q", nodeID, record.Health)
						return
					}
					if record.Score < 0 || record.Score > 1 {
						t.Errorf("torn record for %s: score %v", nodeID, record.Score)
						return
					}
				}
			}
		}()
	}

	group.Wait()
	close(stop)
	readers.Wait()

	// No update was lost: every node ends healthy with all windows
	// retained.
	for n := 0; n < nodes; n++ {
		subject := fmt.Sprintf("node-%02d", n)
		record, observed := scorer.Record(subject)
		if !observed {
			t.Errorf("%s missing from table after concurrent writes", subject)
			continue
		}
		if record.Health != HealthHealthy {
			t.Errorf("%s = %v, want healthy", subject, record.Health)
		}
	}
}

func TestConcurrentIntegrityFailuresAllCounted(t *testing.T) {
	scorer := newTestScorer(nil)
	const writers = 8

	var group sync.WaitGroup
	for w := 0; w < writers; w++ {
		group.Add(1)
		go func(w int) {
			defer group.Done()
			scorer.RecordChainBreak(fmt.Sprintf("bad-%d", w), 1000)
		}(w)
	}
	group.Wait()

	for w := 0; w < writers; w++ {
		nodeID := fmt.Sprintf("bad-%d", w)
		if record := scorer.Recalculate(nodeID, 1000); record.Health != HealthCompromised {
			t.Errorf("%s = %v, want compromised", nodeID, record.Health)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	scorer := newTestScorer(nil)
	reportWindow(scorer, "node-a", 0, 10, 0, 1000)
	scorer.Recalculate("node-a", 1000)

	snapshot := scorer.Snapshot()
	snapshot["node-a"] = TrustRecord{NodeID: "node-a", Health: HealthCompromised}

	if health := scorer.CurrentHealth("node-a"); health != HealthHealthy {
		t.Errorf("mutating a snapshot changed the table: health = %v", health)
	}
}
