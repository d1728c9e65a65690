// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/meshvine/meshvine/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("no command given")
	}

	switch os.Args[1] {
	case "alpha":
		return runMesh(alphaScenario(), os.Args[2:])
	case "omega":
		return runMesh(omegaScenario(), os.Args[2:])
	case "byzantine":
		return runMesh(byzantineScenario(), os.Args[2:])
	case "windows":
		return runWindowsCommand(os.Args[2:])
	case "report":
		return runReport(os.Args[2:])
	case "version", "--version":
		fmt.Printf("meshvine-bench %s\n", version.Info())
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// meshFlags are the overrides shared by the scenario subcommands.
type meshFlags struct {
	flags        *pflag.FlagSet
	scenarioPath *string
	nodes        *int
	events       *int
	window       *int
	budgetMS     *float64
	jsonOut      *bool
	verbose      *bool
}

func newMeshFlags(name string) *meshFlags {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	return &meshFlags{
		flags:        flags,
		scenarioPath: flags.String("scenario", "", "JSONC scenario file overlaying the built-in defaults"),
		nodes:        flags.Int("nodes", 0, "override node count"),
		events:       flags.Int("events", 0, "override total event count"),
		window:       flags.Int("window", 0, "override checkpoint window size"),
		budgetMS:     flags.Float64("budget-ms", 0, "override the p95 ingest budget"),
		jsonOut:      flags.Bool("json", false, "emit the result as JSON"),
		verbose:      flags.Bool("verbose", false, "write mesh debug logs to stderr"),
	}
}

// apply layers a scenario file and then the explicit flag overrides
// on top of the built-in defaults.
func (f *meshFlags) apply(base Scenario) (Scenario, error) {
	scenario := base
	if *f.scenarioPath != "" {
		loaded, err := loadScenario(*f.scenarioPath, base)
		if err != nil {
			return Scenario{}, err
		}
		scenario = loaded
	}
	if *f.nodes > 0 {
		scenario.Nodes = *f.nodes
	}
	if *f.events > 0 {
		scenario.Events = *f.events
	}
	if *f.window > 0 {
		scenario.WindowSize = *f.window
	}
	if *f.budgetMS > 0 {
		scenario.BudgetP95MS = *f.budgetMS
	}
	return scenario, nil
}

func runMesh(base Scenario, args []string) error {
	f := newMeshFlags(base.Name)
	if err := f.flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	scenario, err := f.apply(base)
	if err != nil {
		return err
	}

	result, err := runScenario(scenario, benchLogger(*f.verbose))
	if err != nil {
		return err
	}
	if *f.jsonOut {
		return printJSON(result)
	}
	printResult(os.Stdout, result)
	if !scenarioPassed(result) {
		return fmt.Errorf("scenario %s failed", scenario.Name)
	}
	return nil
}

func runWindowsCommand(args []string) error {
	flags := pflag.NewFlagSet("windows", pflag.ContinueOnError)
	sizes := flags.IntSlice("sizes", defaultWindowSizes(), "window sizes to measure")
	iterations := flags.Int("iterations", 0, "iterations per size (0 scales with size)")
	jsonOut := flags.Bool("json", false, "emit the results as JSON")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	results, err := measureWindows(*sizes, *iterations)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(results)
	}
	printWindows(os.Stdout, results)
	return nil
}

func runReport(args []string) error {
	flags := pflag.NewFlagSet("report", pflag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "emit the full report as JSON")
	verbose := flags.Bool("verbose", false, "write mesh debug logs to stderr")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	report := struct {
		Scenarios []*runResult   `json:"scenarios"`
		Windows   []windowResult `json:"windows"`
	}{}

	var failed []string
	for _, scenario := range []Scenario{alphaScenario(), omegaScenario(), byzantineScenario()} {
		result, err := runScenario(scenario, benchLogger(*verbose))
		if err != nil {
			return err
		}
		report.Scenarios = append(report.Scenarios, result)
		if !*jsonOut {
			printResult(os.Stdout, result)
			fmt.Println()
		}
		if !scenarioPassed(result) {
			failed = append(failed, scenario.Name)
		}
	}

	windows, err := measureWindows(defaultWindowSizes(), 0)
	if err != nil {
		return err
	}
	report.Windows = windows

	if *jsonOut {
		return printJSON(report)
	}
	printWindows(os.Stdout, windows)
	fmt.Println()
	if len(failed) > 0 {
		return fmt.Errorf("scenarios failed: %s", strings.Join(failed, ", "))
	}
	fmt.Println("all scenarios passed")
	return nil
}

func scenarioPassed(result *runResult) bool {
	return result.BudgetPass && (result.Detection == nil || result.Detection.pass())
}

// benchLogger keeps mesh logs out of the measurement path unless
// asked for.
func benchLogger(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func printResult(w io.Writer, result *runResult) {
	scenario := result.Scenario
	fmt.Fprintf(w, "scenario %s: %d nodes, %d events, window %d, %d byzantine\n",
		scenario.Name, scenario.Nodes, scenario.Events, scenario.WindowSize, scenario.ByzantineNodes)
	fmt.Fprintf(w, "elapsed %.2fs\n", result.ElapsedSeconds)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "series\tcount\tp50 ms\tp95 ms\tp99 ms\tmax ms")
	for _, row := range []struct {
		name  string
		stats latencyStats
	}{
		{"ingest", result.Ingest},
		{"append-fanout", result.AppendFanout},
		{"checkpoint-build", result.CheckpointBuild},
		{"peer-verify", result.PeerVerify},
	} {
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.4f\t%.4f\n",
			row.name, row.stats.Count, row.stats.P50MS, row.stats.P95MS, row.stats.P99MS, row.stats.MaxMS)
	}
	tw.Flush()

	fmt.Fprintf(w, "budget: ingest p95 %.4f ms against %.2f ms: %s\n",
		result.Ingest.P95MS, scenario.BudgetP95MS, passFail(result.BudgetPass))
	if d := result.Detection; d != nil {
		fmt.Fprintf(w, "detection: %d/%d byzantine quarantined, %d/%d honest falsely flagged: %s\n",
			d.ByzantineFlagged, d.ByzantineTotal, d.HonestFlagged, d.HonestTotal, passFail(d.pass()))
		if len(d.Missed) > 0 {
			fmt.Fprintf(w, "  missed: %s\n", strings.Join(d.Missed, " "))
		}
		if len(d.FalsePositives) > 0 {
			fmt.Fprintf(w, "  false positives: %s\n", strings.Join(d.FalsePositives, " "))
		}
	}
}

func printWindows(w io.Writer, results []windowResult) {
	fmt.Fprintln(w, "merkle window builds:")
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "window\titerations\tp50 ms\tp95 ms\tmax ms\tevents/s")
	for _, result := range results {
		fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.4f\t%.4f\t%.0f\n",
			result.WindowSize, result.Iterations, result.Build.P50MS, result.Build.P95MS, result.Build.MaxMS, result.EventsPerSecond)
	}
	tw.Flush()
}

func passFail(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func printUsage() {
	fmt.Fprint(os.Stderr, `meshvine-bench drives benchmark scenarios against an in-process mesh.

Usage:
  meshvine-bench <command> [flags]

Commands:
  alpha       scenario ALPHA: 2 nodes, 1000 events, 0.5 ms ingest budget
  omega       scenario OMEGA: 50 nodes, 5000 events, 5 ms ingest budget
  byzantine   OMEGA mesh with 10 lying nodes; checks quarantine verdicts
  windows     Merkle checkpoint build timings across window sizes
  report      all scenarios plus window timings, with a pass/fail summary
  version     print version information

Scenario flags:
  --scenario FILE   JSONC file overlaying the scenario defaults
  --nodes N         override node count
  --events N        override total event count
  --window N        override checkpoint window size
  --budget-ms MS    override the p95 ingest budget
  --json            emit results as JSON
  --verbose         write mesh debug logs to stderr

Exit status is non-zero when a budget or detection check fails.
`)
}
