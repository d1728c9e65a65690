// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Meshvine-keygen provisions node identities for a trust mesh. It
// generates Ed25519 signing keys, seals their seeds to age recipients
// for at-rest storage, and maintains the bbolt peer-key directory that
// out-of-process deployments verify against.
// Subcommands: seal-key, identity, register, list.
package main
