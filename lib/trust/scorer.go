// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust converts integrity evidence (root agreement tallies,
// chain breaks, signature failures, missing windows) into per-node
// trust scores and health states, and quarantines Byzantine nodes.
//
// The scorer is the mesh's only writer of trust records. Evidence
// arrives from many goroutines (one per inbound peer connection plus
// both tick schedules), so node state is sharded: writes serialize per
// shard, reads take shared locks, and no operation holds a lock across
// all nodes at once. A slow recalculation for one node never delays a
// read of another.
//
// Scoring policy, in priority order:
//
//  1. Compromised is terminal. Once quarantined, a node stays
//     quarantined until Reset.
//  2. Any chain break or signature failure quarantines on the next
//     recalculation. Integrity failures get no graceful degradation.
//  3. Evidence older than the staleness TTL reverts the node to the
//     zero-trust default.
//  4. Aggregate root agreement below the Byzantine threshold (80%)
//     quarantines immediately.
//  5. Otherwise the score moves by a bounded exponential moving
//     average toward the agreement-implied target, so one noisy
//     window cannot flip an established node's health.
package trust

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/meshvine/meshvine/lib/telemetry"
	"github.com/meshvine/meshvine/lib/vine"
)

// Agreement bands and score curves. Changing these changes what every
// node in the mesh considers Byzantine, so they are fixed constants
// rather than configuration.
const (
	// healthyAgreement is the agreement ratio at or above which a node
	// scores in the healthy band.
	healthyAgreement = 0.95

	// byzantineAgreement is the Byzantine detection threshold: a node
	// whose aggregate agreement falls below it is quarantined. Exactly
	// at the threshold is still degraded, not Byzantine.
	byzantineAgreement = 0.80

	healthyBaseScore  = 0.9
	healthyBonusScale = 0.2

	degradedBaseScore  = 0.5
	degradedScoreRange = 0.3
	degradedMaxScore   = 0.8

	compromisedBaseScore  = 0.1
	compromisedScoreScale = 0.3
	compromisedMaxScore   = 0.4

	// Missing-window tolerance: one missed window is noise, more caps
	// the node below the healthy band, and a sustained pattern is
	// treated as compromise.
	healthyMaxMissingWindows = 1
	severeMissingWindows     = 10
)

// shardCount bounds write contention. Power of two so the shard pick
// reduces to a mask.
const shardCount = 32

// Params are the deployment-tunable scoring inputs. Construct with
// DefaultParams and override fields; the zero value is invalid.
type Params struct {
	// QuarantineThreshold: scores below it classify compromised.
	QuarantineThreshold float64

	// HealthyThreshold: scores at or above it classify healthy.
	HealthyThreshold float64

	// MinReportCount is the minimum distinct reporters a window needs
	// before it is scored. Windows with fewer are held neutral so
	// simple non-reporting never penalizes a node.
	MinReportCount int

	// AgreementWindowCount is how many recent windows per node feed
	// the aggregate agreement ratio. Older windows are evicted.
	AgreementWindowCount int

	// ScoreSmoothing is the EMA coefficient for non-terminal score
	// movement, in (0, 1]. 1 adopts each target immediately.
	ScoreSmoothing float64

	// StaleAfterMS reverts a node to unknown when no evidence arrives
	// for this long. Terminal states never decay.
	StaleAfterMS int64
}

// DefaultParams returns the default deployment profile's scoring
// parameters.
func DefaultParams() Params {
	return Params{
		QuarantineThreshold:  0.5,
		HealthyThreshold:     0.9,
		MinReportCount:       3,
		AgreementWindowCount: 16,
		ScoreSmoothing:       0.3,
		StaleAfterMS:         300_000,
	}
}

func (params Params) validate() error {
	if params.QuarantineThreshold < 0 || params.QuarantineThreshold > 1 ||
		params.HealthyThreshold < 0 || params.HealthyThreshold > 1 {
		return fmt.Errorf("trust: thresholds must be within [0,1]: quarantine %v, healthy %v",
			params.QuarantineThreshold, params.HealthyThreshold)
	}
	if params.QuarantineThreshold >= params.HealthyThreshold {
		return fmt.Errorf("trust: quarantine threshold %v must be below healthy threshold %v",
			params.QuarantineThreshold, params.HealthyThreshold)
	}
	if params.MinReportCount < 1 {
		return fmt.Errorf("trust: min report count %d must be positive", params.MinReportCount)
	}
	if params.AgreementWindowCount < 1 {
		return fmt.Errorf("trust: agreement window count %d must be positive", params.AgreementWindowCount)
	}
	if params.ScoreSmoothing <= 0 || params.ScoreSmoothing > 1 {
		return fmt.Errorf("trust: score smoothing %v must be in (0,1]", params.ScoreSmoothing)
	}
	if params.StaleAfterMS <= 0 {
		return fmt.Errorf("trust: staleness TTL %dms must be positive", params.StaleAfterMS)
	}
	return nil
}

// windowTally accumulates root claims for one (subject, window).
type windowTally struct {
	claimed    vine.Hash
	hasClaimed bool

	// reports maps reporter id to the root that reporter observed.
	// One entry per reporter: a peer re-reporting a window replaces
	// its earlier claim instead of voting twice.
	reports map[string]vine.Hash
}

// nodeState is all evidence and the current verdict for one node.
// Guarded by its shard's lock.
type nodeState struct {
	windows     map[uint64]*windowTally
	windowOrder []uint64

	chainBreaks       uint64
	signatureFailures uint64
	missingWindows    uint64

	// lastEvidenceMS is when any evidence last arrived, for the
	// staleness check.
	lastEvidenceMS int64

	record TrustRecord
}

type shard struct {
	mutex sync.RWMutex
	nodes map[string]*nodeState
}

// Scorer owns the trust-record table. Safe for concurrent use.
type Scorer struct {
	params Params
	sink   telemetry.Sink
	shards [shardCount]shard
}

// NewScorer constructs a scorer with the given parameters. A nil sink
// discards telemetry. Params come from validated configuration;
// handing the scorer invalid parameters is a programming error and
// panics.
func NewScorer(params Params, sink telemetry.Sink) *Scorer {
	if err := params.validate(); err != nil {
		panic(err.Error())
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	scorer := &Scorer{params: params, sink: sink}
	for i := range scorer.shards {
		scorer.shards[i].nodes = make(map[string]*nodeState)
	}
	return scorer
}

func (scorer *Scorer) shardFor(nodeID string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(nodeID))
	return &scorer.shards[hasher.Sum32()&(shardCount-1)]
}

// state returns the nodeState for nodeID, creating it if absent.
// Caller holds the shard write lock.
func (sh *shard) state(nodeID string) *nodeState {
	node := sh.nodes[nodeID]
	if node == nil {
		node = &nodeState{
			windows: make(map[uint64]*windowTally),
			record:  TrustRecord{NodeID: nodeID, Health: HealthUnknown},
		}
		sh.nodes[nodeID] = node
	}
	return node
}

// tally returns the window tally for start, creating it and evicting
// the oldest window beyond the retention bound. Caller holds the
// shard write lock.
func (scorer *Scorer) tally(node *nodeState, start uint64) *windowTally {
	tally := node.windows[start]
	if tally == nil {
		tally = &windowTally{reports: make(map[string]vine.Hash)}
		node.windows[start] = tally
		node.windowOrder = append(node.windowOrder, start)
		if len(node.windowOrder) > scorer.params.AgreementWindowCount {
			evicted := node.windowOrder[0]
			node.windowOrder = node.windowOrder[1:]
			delete(node.windows, evicted)
		}
	}
	return tally
}

// RecordClaimedRoot ingests a subject's own signed claim of its root
// for a window, from its gossiped checkpoint summary. Reports for the
// window are compared against this claim.
func (scorer *Scorer) RecordClaimedRoot(subjectID string, windowStart uint64, root vine.Hash, nowMS int64) {
	sh := scorer.shardFor(subjectID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	node := sh.state(subjectID)
	tally := scorer.tally(node, windowStart)
	tally.claimed = root
	tally.hasClaimed = true
	node.lastEvidenceMS = nowMS
}

// RecordRootReport ingests one peer's claim about a subject's root.
// Self-reports are ignored: the subject's own claim arrives through
// RecordClaimedRoot and must not also count as a vote.
func (scorer *Scorer) RecordRootReport(report RootReport, nowMS int64) {
	if report.ReporterID == report.SubjectID {
		return
	}
	sh := scorer.shardFor(report.SubjectID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	node := sh.state(report.SubjectID)
	tally := scorer.tally(node, report.WindowStart)
	tally.reports[report.ReporterID] = report.Root
	node.lastEvidenceMS = nowMS
}

// RecordChainBreak ingests a detected ancestor mismatch in the node's
// event stream.
func (scorer *Scorer) RecordChainBreak(nodeID string, nowMS int64) {
	sh := scorer.shardFor(nodeID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	node := sh.state(nodeID)
	node.chainBreaks++
	node.lastEvidenceMS = nowMS
}

// RecordSignatureFailure ingests a cryptographic verification failure
// on a message claiming to come from the node.
func (scorer *Scorer) RecordSignatureFailure(nodeID string, nowMS int64) {
	sh := scorer.shardFor(nodeID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	node := sh.state(nodeID)
	node.signatureFailures++
	node.lastEvidenceMS = nowMS
}

// RecordMissingWindow ingests a checkpoint gap: the node published a
// window that skips sequence numbers its previous checkpoint ended
// before.
func (scorer *Scorer) RecordMissingWindow(nodeID string, nowMS int64) {
	sh := scorer.shardFor(nodeID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()

	node := sh.state(nodeID)
	node.missingWindows++
	node.lastEvidenceMS = nowMS
}

// Recalculate recomputes the node's trust record from accumulated
// evidence and returns the result. Emits a trust-recalculation
// telemetry record, plus a quarantine event when this recalculation
// is the one that moves the node into the compromised state.
func (scorer *Scorer) Recalculate(nodeID string, nowMS int64) TrustRecord {
	sh := scorer.shardFor(nodeID)
	sh.mutex.Lock()

	node := sh.nodes[nodeID]
	if node == nil {
		// Never observed: report the zero-trust default without
		// allocating state. Unsolicited recalculations for arbitrary
		// ids must not grow the table.
		sh.mutex.Unlock()
		record := TrustRecord{NodeID: nodeID, Health: HealthUnknown, LastUpdated: nowMS}
		scorer.emitRecalculation(record)
		return record
	}

	previous := node.record
	record := scorer.recalculateLocked(node, nodeID, nowMS)
	node.record = record
	sh.mutex.Unlock()

	scorer.emitRecalculation(record)
	if record.Health == HealthCompromised && previous.Health != HealthCompromised {
		scorer.sink.RecordQuarantine(telemetry.QuarantineEvent{
			NodeID: nodeID,
			Score:  record.Score,
			Cause:  string(record.Cause),
		})
	}
	return record
}

// recalculateLocked computes the new record. Caller holds the shard
// write lock.
func (scorer *Scorer) recalculateLocked(node *nodeState, nodeID string, nowMS int64) TrustRecord {
	previous := node.record

	// Terminal: quarantine never self-heals.
	if previous.Health == HealthCompromised {
		return previous
	}

	agreement, scoreable := scorer.aggregateAgreement(node)

	// Integrity failures quarantine on the next recalculation, before
	// staleness or agreement can soften the verdict.
	switch {
	case node.chainBreaks > 0:
		return scorer.quarantined(nodeID, agreement, CauseChainBreak, nowMS)
	case node.signatureFailures > 0:
		return scorer.quarantined(nodeID, agreement, CauseSignatureFailure, nowMS)
	case node.missingWindows > severeMissingWindows:
		return scorer.quarantined(nodeID, agreement, CauseMissingWindows, nowMS)
	}

	// Stale evidence reverts to the zero-trust default.
	if nowMS-node.lastEvidenceMS > scorer.params.StaleAfterMS {
		return TrustRecord{NodeID: nodeID, Health: HealthUnknown, LastUpdated: nowMS}
	}

	// Minimum-sample policy: with no scoreable windows an established
	// verdict holds and an unestablished node stays unknown.
	if !scoreable {
		if previous.Health != HealthUnknown {
			return previous
		}
		return TrustRecord{NodeID: nodeID, Health: HealthUnknown, LastUpdated: nowMS}
	}

	// Byzantine classification is immediate, not smoothed: one
	// recalculation after agreement drops below the threshold, the
	// node is quarantined.
	if agreement < byzantineAgreement {
		return scorer.quarantined(nodeID, agreement, CauseLowAgreement, nowMS)
	}

	target := scorer.targetScore(node, agreement)

	var score float64
	if previous.Health == HealthUnknown {
		// First scoreable evidence establishes the baseline directly;
		// smoothing from zero would leave a verified healthy node
		// misclassified for several windows.
		score = target
	} else {
		score = previous.Score + scorer.params.ScoreSmoothing*(target-previous.Score)
	}

	record := TrustRecord{NodeID: nodeID, Score: score, LastUpdated: nowMS}
	switch {
	case score < scorer.params.QuarantineThreshold:
		record.Health = HealthCompromised
		record.Cause = CauseLowAgreement
	case score >= scorer.params.HealthyThreshold:
		record.Health = HealthHealthy
	default:
		record.Health = HealthDegraded
	}
	return record
}

// aggregateAgreement folds the retained window tallies into one
// agreement ratio. Only windows with the subject's own claim and at
// least MinReportCount distinct reporters participate; scoreable is
// false when no window qualifies.
func (scorer *Scorer) aggregateAgreement(node *nodeState) (agreement float64, scoreable bool) {
	var matches, total int
	for _, tally := range node.windows {
		if !tally.hasClaimed || len(tally.reports) < scorer.params.MinReportCount {
			continue
		}
		for _, root := range tally.reports {
			total++
			if root == tally.claimed {
				matches++
			}
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(matches) / float64(total), true
}

// targetScore maps agreement in the non-Byzantine range onto the
// evidence-implied score.
func (scorer *Scorer) targetScore(node *nodeState, agreement float64) float64 {
	var target float64
	if agreement >= healthyAgreement {
		target = clamp(healthyBaseScore+(agreement-healthyAgreement)*healthyBonusScale, 0, 1)
	} else {
		factor := (agreement - byzantineAgreement) / (healthyAgreement - byzantineAgreement)
		target = clamp(degradedBaseScore+factor*degradedScoreRange, degradedBaseScore, degradedMaxScore)
	}
	// Missed windows cap the node out of the healthy band.
	if node.missingWindows > healthyMaxMissingWindows && target > degradedMaxScore {
		target = degradedMaxScore
	}
	return target
}

func (scorer *Scorer) quarantined(nodeID string, agreement float64, cause Cause, nowMS int64) TrustRecord {
	score := clamp(compromisedBaseScore+agreement/byzantineAgreement*compromisedScoreScale, 0, compromisedMaxScore)
	return TrustRecord{
		NodeID:      nodeID,
		Score:       score,
		Health:      HealthCompromised,
		LastUpdated: nowMS,
		Cause:       cause,
	}
}

func (scorer *Scorer) emitRecalculation(record TrustRecord) {
	scorer.sink.RecordTrustRecalculation(telemetry.TrustRecalculation{
		NodeID: record.NodeID,
		Health: string(record.Health),
		Score:  record.Score,
	})
}

// CurrentHealth returns the node's last computed health. Pure read:
// shared lock on one shard, no recomputation.
func (scorer *Scorer) CurrentHealth(nodeID string) Health {
	sh := scorer.shardFor(nodeID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	if node := sh.nodes[nodeID]; node != nil {
		return node.record.Health
	}
	return HealthUnknown
}

// Record returns the node's last computed trust record and whether
// the node has ever been observed.
func (scorer *Scorer) Record(nodeID string) (TrustRecord, bool) {
	sh := scorer.shardFor(nodeID)
	sh.mutex.RLock()
	defer sh.mutex.RUnlock()

	if node := sh.nodes[nodeID]; node != nil {
		return node.record, true
	}
	return TrustRecord{NodeID: nodeID, Health: HealthUnknown}, false
}

// Snapshot returns a copy of every node's current record. Each shard
// is read under its own shared lock, so the view is consistent per
// node and at most slightly stale across nodes.
func (scorer *Scorer) Snapshot() map[string]TrustRecord {
	snapshot := make(map[string]TrustRecord)
	for i := range scorer.shards {
		sh := &scorer.shards[i]
		sh.mutex.RLock()
		for nodeID, node := range sh.nodes {
			snapshot[nodeID] = node.record
		}
		sh.mutex.RUnlock()
	}
	return snapshot
}

// Nodes returns the ids of every observed node.
func (scorer *Scorer) Nodes() []string {
	var nodes []string
	for i := range scorer.shards {
		sh := &scorer.shards[i]
		sh.mutex.RLock()
		for nodeID := range sh.nodes {
			nodes = append(nodes, nodeID)
		}
		sh.mutex.RUnlock()
	}
	return nodes
}

// Reset discards all evidence and the verdict for a node, returning
// it to the zero-trust default. This is the only path out of
// quarantine and exists for explicit administrative rebootstrap.
func (scorer *Scorer) Reset(nodeID string) {
	sh := scorer.shardFor(nodeID)
	sh.mutex.Lock()
	defer sh.mutex.Unlock()
	delete(sh.nodes, nodeID)
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
