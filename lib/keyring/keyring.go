// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring provides the signing and verification capability for
// mesh nodes. Every envelope that crosses the wire is Ed25519-signed
// by its sender; a Keyring holds the local node's private key and the
// public keys of known peers.
//
// Three backings are provided:
//   - MemoryKeyring: keys held in process memory, used by tests, the
//     benchmark harness, and as the in-process identity after a sealed
//     identity file is loaded.
//   - Sealed identity file: the local Ed25519 seed encrypted to an age
//     X25519 recipient for at-rest storage (sealed.go).
//   - Directory: a bbolt-backed persistent store of peer public keys
//     (directory.go).
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownSigner reports a verification attempt against a node
	// with no registered public key.
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrSignatureInvalid reports a signature that does not verify
	// against the signer's registered public key.
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Keyring signs outbound messages as the local node and verifies
// inbound messages against registered peer keys. Verify failures wrap
// ErrUnknownSigner or ErrSignatureInvalid; the trust engine treats
// both as signature failures against the claimed sender.
type Keyring interface {
	// Sign returns the Ed25519 signature of message under the local
	// node's private key.
	Sign(message []byte) []byte

	// Verify checks signature over message against nodeID's public
	// key.
	Verify(nodeID string, message, signature []byte) error

	// PublicKey returns the registered public key for nodeID. The
	// boolean is false when the node is unknown.
	PublicKey(nodeID string) (ed25519.PublicKey, bool)
}

// MemoryKeyring is a Keyring backed by process memory. The local
// private key never leaves the struct; peers are registered by public
// key only. Safe for concurrent use.
type MemoryKeyring struct {
	nodeID     string
	privateKey ed25519.PrivateKey

	mu    sync.RWMutex
	peers map[string]ed25519.PublicKey
}

var _ Keyring = (*MemoryKeyring)(nil)

// NewMemoryKeyring generates a fresh Ed25519 identity for nodeID. The
// local public key is registered under nodeID, so the keyring verifies
// its own signatures without extra setup.
func NewMemoryKeyring(nodeID string) (*MemoryKeyring, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 identity: %w", err)
	}
	return &MemoryKeyring{
		nodeID:     nodeID,
		privateKey: privateKey,
		peers:      map[string]ed25519.PublicKey{nodeID: publicKey},
	}, nil
}

// MemoryKeyringFromSeed rebuilds a keyring from a stored 32-byte
// Ed25519 seed, as produced by Seed and persisted by SealIdentity. The
// derived keypair is deterministic in the seed.
func MemoryKeyringFromSeed(nodeID string, seed []byte) (*MemoryKeyring, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &MemoryKeyring{
		nodeID:     nodeID,
		privateKey: privateKey,
		peers:      map[string]ed25519.PublicKey{nodeID: publicKey},
	}, nil
}

// NodeID returns the identity this keyring signs as.
func (k *MemoryKeyring) NodeID() string {
	return k.nodeID
}

// Seed returns the 32-byte seed of the local private key, for sealing
// to disk. Treat the result as the private key itself: never log it.
func (k *MemoryKeyring) Seed() []byte {
	return k.privateKey.Seed()
}

// Sign returns the Ed25519 signature of message under the local key.
func (k *MemoryKeyring) Sign(message []byte) []byte {
	return ed25519.Sign(k.privateKey, message)
}

// RegisterPeer records a peer's public key. Registering a node that
// already has a key replaces it (key rotation).
func (k *MemoryKeyring) RegisterPeer(nodeID string, publicKey ed25519.PublicKey) error {
	if nodeID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %q is %d bytes, want %d",
			nodeID, len(publicKey), ed25519.PublicKeySize)
	}
	// Copy: the caller may reuse its slice.
	stored := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(stored, publicKey)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[nodeID] = stored
	return nil
}

// PublicKey returns the registered key for nodeID.
func (k *MemoryKeyring) PublicKey(nodeID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	publicKey, ok := k.peers[nodeID]
	return publicKey, ok
}

// Verify checks signature over message against nodeID's registered
// key.
func (k *MemoryKeyring) Verify(nodeID string, message, signature []byte) error {
	publicKey, ok := k.PublicKey(nodeID)
	if !ok {
		return fmt.Errorf("node %q: %w", nodeID, ErrUnknownSigner)
	}
	return verifySignature(nodeID, publicKey, message, signature)
}

// Peers returns the node IDs with registered keys, in no particular
// order. The local node is included.
func (k *MemoryKeyring) Peers() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	nodes := make([]string, 0, len(k.peers))
	for nodeID := range k.peers {
		nodes = append(nodes, nodeID)
	}
	return nodes
}

func verifySignature(nodeID string, publicKey ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("node %q: %w", nodeID, ErrSignatureInvalid)
	}
	return nil
}
