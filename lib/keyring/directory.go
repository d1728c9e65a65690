// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// peerKeyBucket maps node id → 32-byte Ed25519 public key.
const peerKeyBucket = "peer_keys"

// Directory is a persistent peer public-key store backed by bbolt. It
// survives process restarts, so a node that learned its peers once
// does not need re-provisioning on every boot. Safe for concurrent
// use; bbolt serializes writers internally.
type Directory struct {
	db *bolt.DB
}

// OpenDirectory opens the key directory at path, creating the file and
// bucket on first use. The open times out after one second if another
// process holds the file lock.
func OpenDirectory(path string) (*Directory, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening key directory: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(peerKeyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing key directory: %w", err)
	}
	return &Directory{db: db}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Register stores a peer's public key, replacing any previous key for
// the node (key rotation).
func (d *Directory) Register(nodeID string, publicKey ed25519.PublicKey) error {
	if nodeID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %q is %d bytes, want %d",
			nodeID, len(publicKey), ed25519.PublicKeySize)
	}
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peerKeyBucket)).Put([]byte(nodeID), publicKey)
	})
	if err != nil {
		return fmt.Errorf("storing key for %q: %w", nodeID, err)
	}
	return nil
}

// Lookup returns the stored public key for nodeID. A missing node
// reports ErrUnknownSigner.
func (d *Directory) Lookup(nodeID string) (ed25519.PublicKey, error) {
	var publicKey ed25519.PublicKey
	err := d.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(peerKeyBucket)).Get([]byte(nodeID))
		if value == nil {
			return fmt.Errorf("node %q: %w", nodeID, ErrUnknownSigner)
		}
		// Copy out: bbolt value slices are only valid inside the
		// transaction.
		publicKey = make(ed25519.PublicKey, len(value))
		copy(publicKey, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("stored key for %q is %d bytes, want %d",
			nodeID, len(publicKey), ed25519.PublicKeySize)
	}
	return publicKey, nil
}

// Remove deletes a peer's key. Removing an absent node is not an
// error.
func (d *Directory) Remove(nodeID string) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peerKeyBucket)).Delete([]byte(nodeID))
	})
	if err != nil {
		return fmt.Errorf("removing key for %q: %w", nodeID, err)
	}
	return nil
}

// Nodes returns every registered node ID in lexical order.
func (d *Directory) Nodes() ([]string, error) {
	var nodes []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peerKeyBucket)).ForEach(func(key, _ []byte) error {
			nodes = append(nodes, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing key directory: %w", err)
	}
	return nodes, nil
}

// DirectoryKeyring combines an in-memory local identity with the
// persistent peer directory: Sign uses the local key; Verify and
// PublicKey consult in-memory registrations first and fall back to the
// directory. Out-of-process deployments load their identity with
// UnsealIdentity and wrap it here.
type DirectoryKeyring struct {
	local     *MemoryKeyring
	directory *Directory
}

var _ Keyring = (*DirectoryKeyring)(nil)

// NewDirectoryKeyring wraps local with directory-backed peer lookup.
func NewDirectoryKeyring(local *MemoryKeyring, directory *Directory) *DirectoryKeyring {
	return &DirectoryKeyring{local: local, directory: directory}
}

// Sign signs with the local identity.
func (k *DirectoryKeyring) Sign(message []byte) []byte {
	return k.local.Sign(message)
}

// PublicKey returns nodeID's key from memory or, failing that, the
// directory.
func (k *DirectoryKeyring) PublicKey(nodeID string) (ed25519.PublicKey, bool) {
	if publicKey, ok := k.local.PublicKey(nodeID); ok {
		return publicKey, true
	}
	publicKey, err := k.directory.Lookup(nodeID)
	if err != nil {
		return nil, false
	}
	return publicKey, true
}

// Verify checks signature against nodeID's key from memory or the
// directory.
func (k *DirectoryKeyring) Verify(nodeID string, message, signature []byte) error {
	if publicKey, ok := k.local.PublicKey(nodeID); ok {
		return verifySignature(nodeID, publicKey, message, signature)
	}
	publicKey, err := k.directory.Lookup(nodeID)
	if err != nil {
		return err
	}
	return verifySignature(nodeID, publicKey, message, signature)
}
