// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package vine

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Every digest in the mesh (event
// hashes, Merkle roots, signing digests) is this size. SHA-2 family
// digests are deliberately absent: BLAKE3 is the only hash function
// the mesh speaks.
type Hash [32]byte

// Genesis is the ancestor sentinel for the first event a node emits.
// It is the zero hash, never the output of a real digest (keyed BLAKE3
// of any input is computationally never all zeros).
var Genesis = Hash{}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// hashes in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed constants; changing them
// invalidates every hash in that domain mesh-wide. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes,
// so the keys stay inspectable in hex dumps and debuggers.
var (
	eventDomainKey = domainKey{
		'm', 'e', 's', 'h', 'v', 'i', 'n', 'e', '.', 'e', 'v', 'e', 'n', 't', '.', 'v',
		'1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	merkleDomainKey = domainKey{
		'm', 'e', 's', 'h', 'v', 'i', 'n', 'e', '.', 'm', 'e', 'r', 'k', 'l', 'e', '.',
		'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	signDomainKey = domainKey{
		'm', 'e', 's', 'h', 'v', 'i', 'n', 'e', '.', 's', 'i', 'g', 'n', '.', 'v', '1',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashPayload computes the event-domain hash of raw payload bytes.
// Callers that already carry a content address may skip this and fill
// Event.PayloadHash directly; the chain never sees payload bytes.
func HashPayload(data []byte) Hash {
	return keyedHash(eventDomainKey, data)
}

// SigningDigest computes the sign-domain hash of a message. Ed25519
// signatures across the mesh are made over this digest rather than the
// raw message, so signing and content addressing share one hash
// discipline.
func SigningDigest(message []byte) Hash {
	return keyedHash(signDomainKey, message)
}

// EmptyRoot returns the Merkle root of an empty window: the
// merkle-domain hash of zero-length input. It is a defined, stable
// value distinct from Genesis and from any single-event root, so an
// empty checkpoint is recognizable without extra flags.
func EmptyRoot() Hash {
	return keyedHash(merkleDomainKey, nil)
}

// MerkleRoot computes a binary Merkle tree over the given leaf hashes
// and returns the root. The tree is built bottom-up: adjacent pairs
// are concatenated and hashed under the merkle domain key. A level
// with an odd count promotes its last node to the next level unhashed
// (it is NOT duplicated; duplication would let two different inputs
// share a root when one is a prefix of the other).
//
// An empty input yields EmptyRoot(); a single leaf is its own root.
// The function is deterministic: identical leaf sequences always
// produce identical roots.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return EmptyRoot()
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	// One keyed hasher reused via Reset() for every pair. Allocating a
	// hasher per pair dominates the cost on large windows.
	hasher, err := blake3.NewKeyed(merkleDomainKey[:])
	if err != nil {
		panic("vine: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var combined [64]byte

	hashPair := func(left, right Hash) Hash {
		copy(combined[:32], left[:])
		copy(combined[32:], right[:])
		hasher.Reset()
		hasher.Write(combined[:])
		var result Hash
		copy(result[:], hasher.Sum(nil))
		return result
	}

	// Work on a copy to avoid mutating the caller's slice.
	level := make([]Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		nextLength := (len(level) + 1) / 2
		next := make([]Hash, nextLength)

		for i := 0; i < len(level)-1; i += 2 {
			next[i/2] = hashPair(level[i], level[i+1])
		}

		// Odd node: promote without hashing.
		if len(level)%2 == 1 {
			next[nextLength-1] = level[len(level)-1]
		}

		level = next
	}

	return level[0]
}

// FormatHash returns the hex-encoded string representation of a hash.
// This is the canonical format in logs, reports, and CLI output.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// MarshalJSON renders the hash as a hex string. JSON is the dump and
// report format only; wire messages use CBOR, where hashes stay raw
// byte strings.
func (hash Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatHash(hash) + `"`), nil
}

// UnmarshalJSON parses a hex-string hash.
func (hash *Hash) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("parsing hash: not a JSON string")
	}
	parsed, err := ParseHash(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*hash = parsed
	return nil
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != 32 {
		return hash, fmt.Errorf("hash is %d bytes, want 32", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// keyedHash computes the BLAKE3 keyed hash of data under the given
// domain key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only errors on wrong key length, which domainKey rules
	// out by construction.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("vine: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
