// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/meshvine/meshvine/lib/keyring"
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
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "seal-key":
		return runSealKey()
	case "identity":
		return runIdentity(os.Args[2:])
	case "register":
		return runRegister(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "version":
		fmt.Printf("meshvine-keygen %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: meshvine-keygen <subcommand> [flags]

Subcommands:
  seal-key    Generate an age keypair for sealing identity files
  identity    Generate a node identity and seal it to age recipients
  register    Register a sealed identity's public key in a key directory
  list        List nodes registered in a key directory
  version     Print version information

Run 'meshvine-keygen <subcommand> --help' for subcommand flags.
`)
}

// runSealKey generates a new age keypair and prints it.
// The recipient key goes to stdout (for use with 'identity --recipient').
// The identity key goes to stderr (store securely; it decrypts seeds).
func runSealKey() error {
	keypair, err := keyring.GenerateSealKeypair()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "# Identity key (keep this secret; it decrypts sealed seeds):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.IdentityKey)
	fmt.Fprintf(os.Stdout, "%s\n", keypair.RecipientKey)
	return nil
}

// runIdentity generates a fresh Ed25519 identity for a node, seals the
// seed to the given age recipients, and optionally registers the public
// key in a directory in the same step.
func runIdentity(args []string) error {
	flags := flag.NewFlagSet("identity", flag.ExitOnError)
	var (
		nodeID        string
		outputPath    string
		recipients    string
		directoryPath string
	)

	flags.StringVar(&nodeID, "node", "", "node ID the identity signs as (required)")
	flags.StringVar(&outputPath, "output", "", "path for the sealed identity file (required)")
	flags.StringVar(&recipients, "recipients", "", "comma-separated age recipient keys (required)")
	flags.StringVar(&directoryPath, "directory", "", "also register the public key in this key directory")
	flags.Parse(args)

	if nodeID == "" || outputPath == "" || recipients == "" {
		flags.Usage()
		return fmt.Errorf("--node, --output, and --recipients are required")
	}

	recipientKeys := splitRecipients(recipients)
	for _, key := range recipientKeys {
		if err := keyring.ParseRecipientKey(key); err != nil {
			return err
		}
	}

	ring, err := keyring.NewMemoryKeyring(nodeID)
	if err != nil {
		return err
	}
	if err := keyring.SealIdentity(outputPath, nodeID, ring.Seed(), recipientKeys); err != nil {
		return err
	}

	publicKey, _ := ring.PublicKey(nodeID)
	fmt.Printf("sealed identity for %s written to %s\n", nodeID, outputPath)
	fmt.Printf("public key: %s\n", hex.EncodeToString(publicKey))

	if directoryPath != "" {
		if err := registerKey(directoryPath, nodeID, publicKey); err != nil {
			return err
		}
		fmt.Printf("registered %s in %s\n", nodeID, directoryPath)
	}
	return nil
}

// runRegister unseals an identity file and registers its public key in
// a key directory. Used to introduce an existing node to a new mesh.
func runRegister(args []string) error {
	flags := flag.NewFlagSet("register", flag.ExitOnError)
	var (
		identityPath  string
		directoryPath string
	)

	flags.StringVar(&identityPath, "identity", "", "path to the sealed identity file (required)")
	flags.StringVar(&directoryPath, "directory", "", "path to the key directory (required)")
	flags.Parse(args)

	if identityPath == "" || directoryPath == "" {
		flags.Usage()
		return fmt.Errorf("--identity and --directory are required")
	}

	// The identity key never goes on the command line; ps(1) would
	// expose it to every local user.
	identityKey := os.Getenv("MESHVINE_IDENTITY_KEY")
	if identityKey == "" {
		return fmt.Errorf("MESHVINE_IDENTITY_KEY must hold the age identity key")
	}

	ring, err := keyring.UnsealIdentity(identityPath, identityKey)
	if err != nil {
		return err
	}

	publicKey, _ := ring.PublicKey(ring.NodeID())
	if err := registerKey(directoryPath, ring.NodeID(), publicKey); err != nil {
		return err
	}
	fmt.Printf("registered %s in %s\n", ring.NodeID(), directoryPath)
	fmt.Printf("public key: %s\n", hex.EncodeToString(publicKey))
	return nil
}

// runList prints the nodes registered in a key directory.
func runList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	var directoryPath string

	flags.StringVar(&directoryPath, "directory", "", "path to the key directory (required)")
	flags.Parse(args)

	if directoryPath == "" {
		flags.Usage()
		return fmt.Errorf("--directory is required")
	}

	directory, err := keyring.OpenDirectory(directoryPath)
	if err != nil {
		return err
	}
	defer directory.Close()

	nodes, err := directory.Nodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("no nodes registered")
		return nil
	}
	for _, nodeID := range nodes {
		publicKey, err := directory.Lookup(nodeID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", nodeID, hex.EncodeToString(publicKey))
	}
	return nil
}

func registerKey(directoryPath, nodeID string, publicKey ed25519.PublicKey) error {
	directory, err := keyring.OpenDirectory(directoryPath)
	if err != nil {
		return err
	}
	defer directory.Close()
	return directory.Register(nodeID, publicKey)
}

func splitRecipients(value string) []string {
	parts := strings.Split(value, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
