// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"filippo.io/age"

	"github.com/meshvine/meshvine/lib/codec"
)

// SealKeypair holds an age x25519 keypair used to seal identity files.
// The identity key decrypts; the recipient key encrypts and is safe to
// publish or commit to provisioning config.
type SealKeypair struct {
	// IdentityKey is the secret half in AGE-SECRET-KEY-1... format.
	// Never log it or pass it on a command line.
	IdentityKey string

	// RecipientKey is the public half in age1... format.
	RecipientKey string
}

// GenerateSealKeypair creates a fresh age x25519 keypair.
func GenerateSealKeypair() (SealKeypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return SealKeypair{}, fmt.Errorf("generating age keypair: %w", err)
	}
	return SealKeypair{
		IdentityKey:  identity.String(),
		RecipientKey: identity.Recipient().String(),
	}, nil
}

// ParseRecipientKey validates an age public key string. Useful for
// checking operator-supplied keys before sealing anything to them.
func ParseRecipientKey(recipientKey string) error {
	if _, err := age.ParseX25519Recipient(recipientKey); err != nil {
		return fmt.Errorf("invalid age recipient key: %w", err)
	}
	return nil
}

// identityDocument is the plaintext of a sealed identity file.
type identityDocument struct {
	NodeID string `cbor:"node_id"`
	Seed   []byte `cbor:"seed"`
}

// SealIdentity writes nodeID's Ed25519 seed to path, encrypted to one
// or more age recipients. The file is created with 0600 permissions;
// an existing file is overwritten. For operational recovery, seal to
// the machine's recipient key plus an operator escrow key.
func SealIdentity(path, nodeID string, seed []byte, recipientKeys []string) error {
	if nodeID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	plaintext, err := codec.Marshal(identityDocument{NodeID: nodeID, Seed: seed})
	if err != nil {
		return fmt.Errorf("encoding identity document: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing identity to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	if err := os.WriteFile(path, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing sealed identity file: %w", err)
	}
	return nil
}

// UnsealIdentity reads a sealed identity file and returns a
// MemoryKeyring signing as the stored node ID. identityKey is the
// secret half of the seal keypair the file was encrypted to.
func UnsealIdentity(path, identityKey string) (*MemoryKeyring, error) {
	identity, err := age.ParseX25519Identity(identityKey)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity key: %w", err)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed identity file: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting identity file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted identity: %w", err)
	}

	var document identityDocument
	if err := codec.Unmarshal(plaintext, &document); err != nil {
		return nil, fmt.Errorf("decoding identity document: %w", err)
	}

	ring, err := MemoryKeyringFromSeed(document.NodeID, document.Seed)
	if err != nil {
		return nil, fmt.Errorf("rebuilding identity for %q: %w", document.NodeID, err)
	}
	return ring, nil
}
