// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Meshvine-bench exercises the trust engine under the hardening
// scenarios: it assembles real mesh services on an in-process loopback
// fabric, drives signed event traffic through them, and reports
// latency percentiles and Byzantine detection rates against the
// scenario budgets.
//
// Subcommands: alpha (2-node link), omega (50-node swarm), byzantine
// (compromised-claim injection), windows (Merkle build microbench),
// report (the full suite). Scenario parameters load from JSONC files
// or flags.
package main
