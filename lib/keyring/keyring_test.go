// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

func newTestKeyring(t *testing.T, nodeID string) *MemoryKeyring {
	t.Helper()
	ring, err := NewMemoryKeyring(nodeID)
	if err != nil {
		t.Fatalf("NewMemoryKeyring(%q): %v", nodeID, err)
	}
	return ring
}

func TestMemoryKeyringSignVerify(t *testing.T) {
	alpha := newTestKeyring(t, "alpha")
	beta := newTestKeyring(t, "beta")

	message := []byte("windowed merkle root exchange")
	signature := alpha.Sign(message)

	// Self-verification works without registration: the local key is
	// registered under the local node ID at construction.
	if err := alpha.Verify("alpha", message, signature); err != nil {
		t.Fatalf("Verify own signature: %v", err)
	}

	// Beta has never heard of alpha.
	err := beta.Verify("alpha", message, signature)
	if !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("Verify unregistered signer: err = %v, want ErrUnknownSigner", err)
	}

	alphaKey, ok := alpha.PublicKey("alpha")
	if !ok {
		t.Fatal("PublicKey(alpha) on alpha: not found")
	}
	if err := beta.RegisterPeer("alpha", alphaKey); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	if err := beta.Verify("alpha", message, signature); err != nil {
		t.Fatalf("Verify after registration: %v", err)
	}

	// Tampered message fails with the signature sentinel.
	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0x01
	err = beta.Verify("alpha", tampered, signature)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify tampered message: err = %v, want ErrSignatureInvalid", err)
	}

	// A signature from the wrong key fails the same way.
	err = beta.Verify("alpha", message, beta.Sign(message))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Verify foreign signature: err = %v, want ErrSignatureInvalid", err)
	}
}

func TestMemoryKeyringFromSeedDeterministic(t *testing.T) {
	original := newTestKeyring(t, "alpha")
	seed := original.Seed()
	if len(seed) != ed25519.SeedSize {
		t.Fatalf("Seed length = %d, want %d", len(seed), ed25519.SeedSize)
	}

	rebuilt, err := MemoryKeyringFromSeed("alpha", seed)
	if err != nil {
		t.Fatalf("MemoryKeyringFromSeed: %v", err)
	}
	if rebuilt.NodeID() != "alpha" {
		t.Errorf("NodeID = %q, want %q", rebuilt.NodeID(), "alpha")
	}

	originalKey, _ := original.PublicKey("alpha")
	rebuiltKey, _ := rebuilt.PublicKey("alpha")
	if !bytes.Equal(originalKey, rebuiltKey) {
		t.Error("rebuilt public key differs from original")
	}

	// Signatures from the original verify under the rebuilt keyring.
	message := []byte("seed round trip")
	if err := rebuilt.Verify("alpha", message, original.Sign(message)); err != nil {
		t.Errorf("Verify original signature with rebuilt keyring: %v", err)
	}
}

func TestMemoryKeyringConstructionRejections(t *testing.T) {
	if _, err := NewMemoryKeyring(""); err == nil {
		t.Error("NewMemoryKeyring with empty node id: no error")
	}
	if _, err := MemoryKeyringFromSeed("alpha", make([]byte, 16)); err == nil {
		t.Error("MemoryKeyringFromSeed with short seed: no error")
	}
	if _, err := MemoryKeyringFromSeed("", make([]byte, ed25519.SeedSize)); err == nil {
		t.Error("MemoryKeyringFromSeed with empty node id: no error")
	}
}

func TestRegisterPeerReplacesKey(t *testing.T) {
	verifier := newTestKeyring(t, "verifier")
	oldIdentity := newTestKeyring(t, "peer")
	newIdentity := newTestKeyring(t, "peer")

	oldKey, _ := oldIdentity.PublicKey("peer")
	newKey, _ := newIdentity.PublicKey("peer")

	if err := verifier.RegisterPeer("peer", oldKey); err != nil {
		t.Fatalf("RegisterPeer old key: %v", err)
	}
	message := []byte("rotation")
	oldSignature := oldIdentity.Sign(message)
	if err := verifier.Verify("peer", message, oldSignature); err != nil {
		t.Fatalf("Verify before rotation: %v", err)
	}

	if err := verifier.RegisterPeer("peer", newKey); err != nil {
		t.Fatalf("RegisterPeer new key: %v", err)
	}
	if err := verifier.Verify("peer", message, oldSignature); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("Verify old signature after rotation: err = %v, want ErrSignatureInvalid", err)
	}
	if err := verifier.Verify("peer", message, newIdentity.Sign(message)); err != nil {
		t.Errorf("Verify new signature after rotation: %v", err)
	}
}

func TestRegisterPeerRejections(t *testing.T) {
	ring := newTestKeyring(t, "alpha")
	if err := ring.RegisterPeer("", make(ed25519.PublicKey, ed25519.PublicKeySize)); err == nil {
		t.Error("RegisterPeer with empty node id: no error")
	}
	if err := ring.RegisterPeer("beta", make(ed25519.PublicKey, 16)); err == nil {
		t.Error("RegisterPeer with short key: no error")
	}
}

func TestRegisterPeerCopiesKey(t *testing.T) {
	ring := newTestKeyring(t, "alpha")
	peer := newTestKeyring(t, "beta")
	peerKey, _ := peer.PublicKey("beta")

	mutable := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(mutable, peerKey)
	if err := ring.RegisterPeer("beta", mutable); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	mutable[0] ^= 0xff

	message := []byte("aliasing")
	if err := ring.Verify("beta", message, peer.Sign(message)); err != nil {
		t.Errorf("Verify after caller mutated its slice: %v", err)
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	seal, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}
	if err := ParseRecipientKey(seal.RecipientKey); err != nil {
		t.Fatalf("ParseRecipientKey: %v", err)
	}

	original := newTestKeyring(t, "vault-node-7")
	path := filepath.Join(t.TempDir(), "identity.age")
	if err := SealIdentity(path, original.NodeID(), original.Seed(), []string{seal.RecipientKey}); err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}

	rebuilt, err := UnsealIdentity(path, seal.IdentityKey)
	if err != nil {
		t.Fatalf("UnsealIdentity: %v", err)
	}
	if rebuilt.NodeID() != "vault-node-7" {
		t.Errorf("NodeID = %q, want %q", rebuilt.NodeID(), "vault-node-7")
	}

	message := []byte("sealed identity survives the disk")
	if err := rebuilt.Verify("vault-node-7", message, original.Sign(message)); err != nil {
		t.Errorf("Verify original signature with unsealed keyring: %v", err)
	}
}

func TestUnsealWrongIdentityKey(t *testing.T) {
	sealA, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}
	sealB, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}

	ring := newTestKeyring(t, "alpha")
	path := filepath.Join(t.TempDir(), "identity.age")
	if err := SealIdentity(path, "alpha", ring.Seed(), []string{sealA.RecipientKey}); err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}

	if _, err := UnsealIdentity(path, sealB.IdentityKey); err == nil {
		t.Error("UnsealIdentity with wrong identity key: no error")
	}
}

func TestSealIdentityMultipleRecipients(t *testing.T) {
	machine, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}
	escrow, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}

	ring := newTestKeyring(t, "alpha")
	path := filepath.Join(t.TempDir(), "identity.age")
	recipients := []string{machine.RecipientKey, escrow.RecipientKey}
	if err := SealIdentity(path, "alpha", ring.Seed(), recipients); err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}

	// Either identity key opens the file.
	if _, err := UnsealIdentity(path, machine.IdentityKey); err != nil {
		t.Errorf("UnsealIdentity with machine key: %v", err)
	}
	if _, err := UnsealIdentity(path, escrow.IdentityKey); err != nil {
		t.Errorf("UnsealIdentity with escrow key: %v", err)
	}
}

func TestSealIdentityRejections(t *testing.T) {
	seal, err := GenerateSealKeypair()
	if err != nil {
		t.Fatalf("GenerateSealKeypair: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity.age")
	goodSeed := make([]byte, ed25519.SeedSize)

	if err := SealIdentity(path, "", goodSeed, []string{seal.RecipientKey}); err == nil {
		t.Error("empty node id: no error")
	}
	if err := SealIdentity(path, "alpha", make([]byte, 16), []string{seal.RecipientKey}); err == nil {
		t.Error("short seed: no error")
	}
	if err := SealIdentity(path, "alpha", goodSeed, nil); err == nil {
		t.Error("no recipients: no error")
	}
	if err := SealIdentity(path, "alpha", goodSeed, []string{"not-an-age-key"}); err == nil {
		t.Error("malformed recipient: no error")
	}
}

func TestDirectoryRegisterLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	directory, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	defer directory.Close()

	alpha := newTestKeyring(t, "alpha")
	beta := newTestKeyring(t, "beta")
	alphaKey, _ := alpha.PublicKey("alpha")
	betaKey, _ := beta.PublicKey("beta")

	if err := directory.Register("alpha", alphaKey); err != nil {
		t.Fatalf("Register alpha: %v", err)
	}
	if err := directory.Register("beta", betaKey); err != nil {
		t.Fatalf("Register beta: %v", err)
	}

	stored, err := directory.Lookup("alpha")
	if err != nil {
		t.Fatalf("Lookup alpha: %v", err)
	}
	if !bytes.Equal(stored, alphaKey) {
		t.Error("Lookup returned a different key than registered")
	}

	if _, err := directory.Lookup("gamma"); !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("Lookup missing node: err = %v, want ErrUnknownSigner", err)
	}

	nodes, err := directory.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	want := []string{"alpha", "beta"}
	if !sort.StringsAreSorted(nodes) {
		t.Errorf("Nodes not sorted: %v", nodes)
	}
	if len(nodes) != len(want) || nodes[0] != want[0] || nodes[1] != want[1] {
		t.Errorf("Nodes = %v, want %v", nodes, want)
	}

	if err := directory.Remove("alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := directory.Lookup("alpha"); !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("Lookup after remove: err = %v, want ErrUnknownSigner", err)
	}
	// Removing an absent node is fine.
	if err := directory.Remove("alpha"); err != nil {
		t.Errorf("Remove absent node: %v", err)
	}
}

func TestDirectoryRejections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	directory, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	defer directory.Close()

	if err := directory.Register("", make(ed25519.PublicKey, ed25519.PublicKeySize)); err == nil {
		t.Error("Register with empty node id: no error")
	}
	if err := directory.Register("alpha", make(ed25519.PublicKey, 16)); err == nil {
		t.Error("Register with short key: no error")
	}
}

func TestDirectoryPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	alpha := newTestKeyring(t, "alpha")
	alphaKey, _ := alpha.PublicKey("alpha")

	directory, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	if err := directory.Register("alpha", alphaKey); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := directory.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("OpenDirectory after close: %v", err)
	}
	defer reopened.Close()

	stored, err := reopened.Lookup("alpha")
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if !bytes.Equal(stored, alphaKey) {
		t.Error("key changed across reopen")
	}
}

func TestDirectoryKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	directory, err := OpenDirectory(path)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}
	defer directory.Close()

	local := newTestKeyring(t, "alpha")
	remote := newTestKeyring(t, "beta")
	remoteKey, _ := remote.PublicKey("beta")
	if err := directory.Register("beta", remoteKey); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ring := NewDirectoryKeyring(local, directory)
	message := []byte("directory fallback")

	// Local identity signs; self-verification hits the in-memory half.
	if err := ring.Verify("alpha", message, ring.Sign(message)); err != nil {
		t.Fatalf("Verify own signature: %v", err)
	}

	// Beta's key lives only in the directory.
	if _, ok := local.PublicKey("beta"); ok {
		t.Fatal("beta unexpectedly registered in memory")
	}
	if err := ring.Verify("beta", message, remote.Sign(message)); err != nil {
		t.Errorf("Verify via directory: %v", err)
	}
	if _, ok := ring.PublicKey("beta"); !ok {
		t.Error("PublicKey(beta) via directory: not found")
	}

	// Unknown in both halves.
	if err := ring.Verify("gamma", message, remote.Sign(message)); !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("Verify unknown node: err = %v, want ErrUnknownSigner", err)
	}

	// Bad signature from a directory-backed peer.
	if err := ring.Verify("beta", message, local.Sign(message)); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("Verify forged signature: err = %v, want ErrSignatureInvalid", err)
	}
}
