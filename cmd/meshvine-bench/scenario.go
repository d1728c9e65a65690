// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Scenario parameterizes one harness run. The built-in scenarios are
// the hardening baselines; JSONC files and flags override them for
// soak variants.
type Scenario struct {
	Name string `json:"name"`

	// Nodes is the mesh size, Byzantine nodes included.
	Nodes int `json:"nodes"`

	// Events is the total event count across all nodes.
	Events int `json:"events"`

	// WindowSize caps events per checkpoint window. The drive loop
	// appends one window per node per round, so this also sets the
	// round granularity.
	WindowSize int `json:"checkpoint_window_size"`

	// CheckpointIntervalMS and GossipIntervalMS are the tick periods
	// on the harness-driven clock. Equal periods advance both
	// schedules one tick per round.
	CheckpointIntervalMS int64 `json:"checkpoint_interval_ms"`
	GossipIntervalMS     int64 `json:"gossip_interval_ms"`

	// ByzantineNodes is how many nodes claim corrupted roots. They
	// are the lexically last node ids, so honest and compromised
	// populations are stable across runs.
	ByzantineNodes int `json:"byzantine_nodes"`

	// ByzantineLieRate is the fraction of a Byzantine node's windows
	// claimed with a corrupted root. 0.6 yields ~40% root agreement.
	ByzantineLieRate float64 `json:"byzantine_lie_rate"`

	// HonestLieRate injects claim noise into honest nodes,
	// approximating real-mesh measurement disagreement.
	HonestLieRate float64 `json:"honest_lie_rate"`

	// BudgetP95MS is the pass/fail bound on P95 per-message ingest
	// latency, in milliseconds.
	BudgetP95MS float64 `json:"budget_p95_ms"`

	// DrainRounds is how many appendless tick rounds run after the
	// drive phase so queued reports flush and tallies converge.
	DrainRounds int `json:"drain_rounds"`
}

// alphaScenario is the 2-node link baseline: 1,000 signed events,
// P95 ingest under 0.5 ms.
func alphaScenario() Scenario {
	return Scenario{
		Name:                 "alpha",
		Nodes:                2,
		Events:               1000,
		WindowSize:           50,
		CheckpointIntervalMS: 1000,
		GossipIntervalMS:     1000,
		BudgetP95MS:          0.5,
		DrainRounds:          3,
	}
}

// omegaScenario is the 50-node swarm baseline: 5,000 events,
// P95 ingest under 5 ms.
func omegaScenario() Scenario {
	return Scenario{
		Name:                 "omega",
		Nodes:                50,
		Events:               5000,
		WindowSize:           10,
		CheckpointIntervalMS: 1000,
		GossipIntervalMS:     1000,
		BudgetP95MS:          5,
		DrainRounds:          3,
	}
}

// byzantineScenario is the injection baseline: 10 compromised nodes
// claiming ~40% agreement among 40 honest nodes. Detection must flag
// all 10 and no honest node.
func byzantineScenario() Scenario {
	scenario := omegaScenario()
	scenario.Name = "byzantine"
	scenario.ByzantineNodes = 10
	scenario.ByzantineLieRate = 0.6
	scenario.HonestLieRate = 0.02
	return scenario
}

// loadScenario reads a JSONC scenario file over the given base: fields
// absent from the file keep the base values, mirroring how config
// profiles overlay defaults.
func loadScenario(path string, base Scenario) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("reading scenario: %w", err)
	}

	scenario := base
	if err := json.Unmarshal(jsonc.ToJSON(data), &scenario); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return scenario, nil
}

// validate collects every structural problem with the scenario.
func (s Scenario) validate() error {
	var problems []error
	if s.Nodes < 2 {
		problems = append(problems, fmt.Errorf("nodes %d: a mesh needs at least 2", s.Nodes))
	}
	if s.Events < s.Nodes {
		problems = append(problems, fmt.Errorf("events %d: need at least one per node", s.Events))
	}
	if s.WindowSize < 1 {
		problems = append(problems, fmt.Errorf("checkpoint window size %d must be positive", s.WindowSize))
	}
	if s.CheckpointIntervalMS < 1 || s.GossipIntervalMS < 1 {
		problems = append(problems, fmt.Errorf("tick intervals must be positive"))
	}
	if s.ByzantineNodes < 0 || s.ByzantineNodes >= s.Nodes {
		problems = append(problems, fmt.Errorf("byzantine nodes %d must leave at least one honest node", s.ByzantineNodes))
	}
	if s.ByzantineLieRate < 0 || s.ByzantineLieRate > 1 || s.HonestLieRate < 0 || s.HonestLieRate > 1 {
		problems = append(problems, fmt.Errorf("lie rates must be within [0, 1]"))
	}
	if s.ByzantineNodes > 0 && s.ByzantineLieRate == 0 {
		problems = append(problems, fmt.Errorf("byzantine nodes configured with a zero lie rate"))
	}
	if s.BudgetP95MS <= 0 {
		problems = append(problems, fmt.Errorf("latency budget %vms must be positive", s.BudgetP95MS))
	}
	if s.DrainRounds < 1 {
		problems = append(problems, fmt.Errorf("drain rounds %d must be positive", s.DrainRounds))
	}
	return errors.Join(problems...)
}

// eventsPerNode splits the total event budget evenly; the remainder
// lands on the lexically first nodes.
func (s Scenario) eventsPerNode(index int) int {
	base := s.Events / s.Nodes
	if index < s.Events%s.Nodes {
		base++
	}
	return base
}

// rounds is how many drive rounds the scenario needs to append every
// node's share of events one window at a time.
func (s Scenario) rounds() int {
	perNode := s.Events / s.Nodes
	if s.Events%s.Nodes != 0 {
		perNode++
	}
	rounds := perNode / s.WindowSize
	if perNode%s.WindowSize != 0 {
		rounds++
	}
	return rounds
}
