// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the wire format for mesh traffic. Every
// message is an Envelope: a sender identity, a kind tag, a
// deterministically CBOR-encoded body, and an Ed25519 signature over
// the BLAKE3 signing digest of the first three fields. Receivers
// verify the signature against the sender's registered key before
// acting on the body, so sender identity on the wire is authenticated,
// never trusted from body contents.
package envelope

import (
	"crypto/ed25519"
	"fmt"

	"github.com/meshvine/meshvine/lib/codec"
	"github.com/meshvine/meshvine/lib/keyring"
	"github.com/meshvine/meshvine/lib/vine"
)

// Kind identifies the payload type of an envelope and selects the
// handler on the receiving side.
type Kind string

// Wire kinds. These are protocol constants; changing one breaks
// interop with every deployed node.
const (
	// KindEvent carries a single chain event emitted by the sender.
	KindEvent Kind = "event"

	// KindRootReport carries the sender's observation of another
	// node's Merkle root for one window.
	KindRootReport Kind = "root-report"

	// KindCheckpointSummary carries the sender's own newest
	// checkpoint claim.
	KindCheckpointSummary Kind = "checkpoint-summary"

	// KindCheckpointRequest asks a peer for retained checkpoints of a
	// subject node, for catch-up after a gap.
	KindCheckpointRequest Kind = "checkpoint-request"

	// KindCheckpointResponse answers a request with a zstd-compressed
	// checkpoint batch.
	KindCheckpointResponse Kind = "checkpoint-response"

	// KindPeerState carries the sender's last-seen map for liveness
	// exchange.
	KindPeerState Kind = "peer-state"
)

// Valid reports whether k is a recognized wire kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEvent, KindRootReport, KindCheckpointSummary,
		KindCheckpointRequest, KindCheckpointResponse, KindPeerState:
		return true
	}
	return false
}

// Envelope is one signed mesh message. Body holds the
// already-encoded CBOR payload; the signature covers sender, kind,
// and body together, so none of them can be swapped without
// invalidating it.
type Envelope struct {
	Sender    string           `cbor:"sender"`
	Kind      Kind             `cbor:"kind"`
	Body      codec.RawMessage `cbor:"body"`
	Signature []byte           `cbor:"signature"`
}

// signingEnvelope is the signed subset of Envelope. Deterministic
// encoding guarantees that sealing and verification reconstruct
// byte-identical canonical input.
type signingEnvelope struct {
	Sender string           `cbor:"sender"`
	Kind   Kind             `cbor:"kind"`
	Body   codec.RawMessage `cbor:"body"`
}

// Seal encodes body, signs it as ring's local identity, and returns
// the sealed envelope ready for Encode.
func Seal(ring keyring.Keyring, sender string, kind Kind, body any) (*Envelope, error) {
	if sender == "" {
		return nil, fmt.Errorf("sender must not be empty")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", kind)
	}
	encodedBody, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	digest, err := signingDigest(sender, kind, encodedBody)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sender:    sender,
		Kind:      kind,
		Body:      encodedBody,
		Signature: ring.Sign(digest[:]),
	}, nil
}

// Verify checks the envelope signature against the sender's key in
// ring. Failures wrap keyring.ErrUnknownSigner or
// keyring.ErrSignatureInvalid.
func (e *Envelope) Verify(ring keyring.Keyring) error {
	digest, err := signingDigest(e.Sender, e.Kind, e.Body)
	if err != nil {
		return err
	}
	return ring.Verify(e.Sender, digest[:], e.Signature)
}

// DecodeBody unmarshals the envelope body into out. Call Verify
// first; DecodeBody performs no authentication.
func (e *Envelope) DecodeBody(out any) error {
	if err := codec.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("decoding %s body: %w", e.Kind, err)
	}
	return nil
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message into an Envelope and checks structural
// validity (non-empty sender, known kind, plausible signature). It
// does not verify the signature; that needs a keyring.
func Decode(data []byte) (*Envelope, error) {
	var parsed Envelope
	if err := codec.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if parsed.Sender == "" {
		return nil, fmt.Errorf("envelope has no sender")
	}
	if !parsed.Kind.Valid() {
		return nil, fmt.Errorf("unknown envelope kind %q", parsed.Kind)
	}
	if len(parsed.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("envelope signature is %d bytes, want %d",
			len(parsed.Signature), ed25519.SignatureSize)
	}
	return &parsed, nil
}

func signingDigest(sender string, kind Kind, body []byte) (vine.Hash, error) {
	canonical, err := codec.Marshal(signingEnvelope{
		Sender: sender,
		Kind:   kind,
		Body:   body,
	})
	if err != nil {
		return vine.Hash{}, fmt.Errorf("encoding signing payload: %w", err)
	}
	return vine.SigningDigest(canonical), nil
}
