// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for mesh nodes.
//
// Configuration is loaded from a single YAML file specified by:
//   - MESHVINE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// A file may name a deployment profile (default, desktop-grid,
// hardened). Profile values overlay the built-in defaults, and
// explicit fields in the file override the profile, so precedence is
// file > profile > defaults. ${VAR} and ${VAR:-default} references
// are expanded from the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/meshvine/meshvine/lib/trust"
)

// Deployment profiles.
const (
	// ProfileDefault suits a general mesh: minute-scale checkpoints,
	// ten-second gossip.
	ProfileDefault = "default"

	// ProfileDesktopGrid suits high-rate desktop grids: larger
	// windows, faster checkpointing, near-continuous gossip.
	ProfileDesktopGrid = "desktop-grid"

	// ProfileHardened raises the quarantine threshold so marginal
	// nodes are cut earlier.
	ProfileHardened = "hardened"
)

var (
	// ErrInvalidThreshold reports a trust threshold outside [0, 1] or
	// an ordering violation between quarantine and healthy.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidInterval reports a non-positive interval.
	ErrInvalidInterval = errors.New("invalid interval")
)

// Config is the full configuration for one mesh node. Field names
// match the wire-level tunable names used in scenario files and
// operator documentation.
type Config struct {
	// NodeID is this node's mesh identity. Required.
	NodeID string `yaml:"node_id"`

	// Profile selects a built-in value overlay. Empty means default.
	Profile string `yaml:"profile"`

	// CheckpointWindowSize is the maximum events per checkpoint
	// window.
	CheckpointWindowSize int `yaml:"checkpoint_window_size"`

	// CheckpointIntervalMS is the period of the checkpoint tick.
	CheckpointIntervalMS int64 `yaml:"checkpoint_interval_ms"`

	// GossipIntervalMS is the period of the gossip tick.
	GossipIntervalMS int64 `yaml:"gossip_interval_ms"`

	// QuarantineThreshold: trust scores below it classify compromised.
	QuarantineThreshold float64 `yaml:"quarantine_threshold"`

	// HealthyThreshold: trust scores at or above it classify healthy.
	HealthyThreshold float64 `yaml:"healthy_threshold"`

	// MinReportCount is the minimum distinct reporters a window needs
	// before it is scored.
	MinReportCount int `yaml:"min_report_count"`

	// AgreementWindowCount is how many recent windows feed the
	// aggregate agreement ratio per node. It also bounds checkpoint
	// retention in the ledger.
	AgreementWindowCount int `yaml:"agreement_window_count"`

	// ScoreSmoothing is the EMA coefficient for trust score movement,
	// in (0, 1].
	ScoreSmoothing float64 `yaml:"score_smoothing"`

	// StaleAfterMS reverts a silent node to unknown after this long.
	StaleAfterMS int64 `yaml:"stale_after_ms"`

	// IdentityFile is the path of the age-sealed Ed25519 identity.
	// Optional: in-memory identities need no file.
	IdentityFile string `yaml:"identity_file"`

	// KeyDirectory is the path of the bbolt peer-key directory.
	// Optional: fully provisioned deployments may register peers
	// directly.
	KeyDirectory string `yaml:"key_directory"`
}

// Default returns the built-in default configuration: profile
// "default" with no node identity. These values are the base every
// profile and file overlays.
func Default() Config {
	return Config{
		Profile:              ProfileDefault,
		CheckpointWindowSize: 100,
		CheckpointIntervalMS: 60_000,
		GossipIntervalMS:     10_000,
		QuarantineThreshold:  0.5,
		HealthyThreshold:     0.9,
		MinReportCount:       3,
		AgreementWindowCount: 16,
		ScoreSmoothing:       0.3,
		StaleAfterMS:         300_000,
	}
}

// Load loads configuration from the MESHVINE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults: if MESHVINE_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MESHVINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MESHVINE_CONFIG environment variable not set; " +
			"set it to the path of your meshvine.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file's
// profile field is resolved first so explicit file values override the
// profile overlay.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying environment
// expansion, the profile overlay, and file overrides in that order.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(expandVars(string(data)))

	// First pass: just the profile name, so the overlay is in place
	// before the full document lands on top of it.
	var header struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(expanded, &header); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := Default()
	if err := applyProfile(&cfg, header.Profile); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// applyProfile overlays the named profile's values. The default
// profile is the built-in base, so it changes nothing.
func applyProfile(cfg *Config, name string) error {
	switch name {
	case "", ProfileDefault:

	case ProfileDesktopGrid:
		cfg.CheckpointWindowSize = 500
		cfg.CheckpointIntervalMS = 30_000
		cfg.GossipIntervalMS = 10

	case ProfileHardened:
		cfg.QuarantineThreshold = 0.6

	default:
		return fmt.Errorf("unknown profile %q (want %s, %s, or %s)",
			name, ProfileDefault, ProfileDesktopGrid, ProfileHardened)
	}
	return nil
}

// varPattern matches ${VAR} and ${VAR:-default} references.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands environment variable references in a raw config
// document. Unset variables without a default expand to the empty
// string.
func expandVars(document string) string {
	return varPattern.ReplaceAllStringFunc(document, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, collecting every
// failure rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, fmt.Errorf("node_id is required"))
	}

	if c.CheckpointWindowSize < 1 {
		errs = append(errs, fmt.Errorf("checkpoint_window_size %d must be positive", c.CheckpointWindowSize))
	}
	if c.CheckpointIntervalMS < 1 {
		errs = append(errs, fmt.Errorf("checkpoint_interval_ms %d: %w", c.CheckpointIntervalMS, ErrInvalidInterval))
	}
	if c.GossipIntervalMS < 1 {
		errs = append(errs, fmt.Errorf("gossip_interval_ms %d: %w", c.GossipIntervalMS, ErrInvalidInterval))
	}
	if c.StaleAfterMS < 1 {
		errs = append(errs, fmt.Errorf("stale_after_ms %d: %w", c.StaleAfterMS, ErrInvalidInterval))
	}

	if c.QuarantineThreshold < 0 || c.QuarantineThreshold > 1 {
		errs = append(errs, fmt.Errorf("quarantine_threshold %v outside [0, 1]: %w", c.QuarantineThreshold, ErrInvalidThreshold))
	}
	if c.HealthyThreshold < 0 || c.HealthyThreshold > 1 {
		errs = append(errs, fmt.Errorf("healthy_threshold %v outside [0, 1]: %w", c.HealthyThreshold, ErrInvalidThreshold))
	}
	if c.QuarantineThreshold >= c.HealthyThreshold {
		errs = append(errs, fmt.Errorf("quarantine_threshold %v must be below healthy_threshold %v: %w",
			c.QuarantineThreshold, c.HealthyThreshold, ErrInvalidThreshold))
	}

	if c.MinReportCount < 1 {
		errs = append(errs, fmt.Errorf("min_report_count %d must be positive", c.MinReportCount))
	}
	if c.AgreementWindowCount < 1 {
		errs = append(errs, fmt.Errorf("agreement_window_count %d must be positive", c.AgreementWindowCount))
	}
	if c.ScoreSmoothing <= 0 || c.ScoreSmoothing > 1 {
		errs = append(errs, fmt.Errorf("score_smoothing %v outside (0, 1]", c.ScoreSmoothing))
	}

	return errors.Join(errs...)
}

// TrustParams converts the scoring tunables into trust engine
// parameters. Call Validate first; the trust engine treats invalid
// parameters as a programming error.
func (c *Config) TrustParams() trust.Params {
	return trust.Params{
		QuarantineThreshold:  c.QuarantineThreshold,
		HealthyThreshold:     c.HealthyThreshold,
		MinReportCount:       c.MinReportCount,
		AgreementWindowCount: c.AgreementWindowCount,
		ScoreSmoothing:       c.ScoreSmoothing,
		StaleAfterMS:         c.StaleAfterMS,
	}
}
