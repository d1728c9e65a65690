// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/codec"
	"github.com/meshvine/meshvine/lib/vine"
)

// auditDump builds a consistent window: chained, fake-signed events
// and the checkpoint cut over them. The tool never checks signatures,
// but the CBOR parser uses their presence to tell events from the
// checkpoint.
func auditDump(t *testing.T, nodeID string, size int) *dump {
	t.Helper()
	chain := vine.NewChain(nodeID)
	builder := checkpoint.NewBuilder(nodeID, size)
	events := make([]*vine.Event, size)
	for i := range events {
		event := chain.Next(vine.HashPayload(fmt.Appendf(nil, "audit payload %d", i)))
		event.Signature = bytes.Repeat([]byte{0xAB}, 64)
		if err := chain.Append(event); err != nil {
			t.Fatal(err)
		}
		if err := builder.Add(event); err != nil {
			t.Fatal(err)
		}
		events[i] = event
	}
	built, _ := builder.Build(1_700_000_000_000)
	return &dump{Checkpoint: built, Events: events}
}

func TestResolveFormat(t *testing.T) {
	cases := []struct {
		explicit string
		path     string
		want     string
	}{
		{"cbor", "dump.jsonc", "cbor"},
		{"jsonc", "dump.cbor", "jsonc"},
		{"", "dump.cbor", "cbor"},
		{"", "dump.CBOR", "cbor"},
		{"", "dump.jsonc", "jsonc"},
		{"", "dump.json", "jsonc"},
		{"", "-", "jsonc"},
	}
	for _, tc := range cases {
		if got := resolveFormat(tc.explicit, tc.path); got != tc.want {
			t.Errorf("resolveFormat(%q, %q) = %q, want %q", tc.explicit, tc.path, got, tc.want)
		}
	}
}

func TestParseJSONCDumpRoundTrip(t *testing.T) {
	original := auditDump(t, "node-a", 4)
	marshaled, err := json.Marshal(original)
	if err != nil {
		t.Fatal(err)
	}
	content := append([]byte("// exported by meshvine-bench\n"), marshaled...)

	parsed, err := parseDump(content, "jsonc")
	if err != nil {
		t.Fatalf("parseDump: %v", err)
	}
	if parsed.Checkpoint != original.Checkpoint {
		t.Fatalf("checkpoint = %+v, want %+v", parsed.Checkpoint, original.Checkpoint)
	}
	if len(parsed.Events) != len(original.Events) {
		t.Fatalf("parsed %d events, want %d", len(parsed.Events), len(original.Events))
	}
	for i, event := range parsed.Events {
		if event.Digest() != original.Events[i].Digest() {
			t.Fatalf("event %d digest changed across the round trip", i)
		}
	}
}

func TestParseCBORDumpStream(t *testing.T) {
	original := auditDump(t, "node-a", 4)

	var stream []byte
	for _, event := range original.Events {
		encoded, err := codec.Marshal(event)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, encoded...)
	}
	encoded, err := codec.Marshal(original.Checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	stream = append(stream, encoded...)

	parsed, err := parseDump(stream, "cbor")
	if err != nil {
		t.Fatalf("parseDump: %v", err)
	}
	if parsed.Checkpoint != original.Checkpoint {
		t.Fatalf("checkpoint = %+v, want %+v", parsed.Checkpoint, original.Checkpoint)
	}
	if len(parsed.Events) != len(original.Events) {
		t.Fatalf("parsed %d events, want %d", len(parsed.Events), len(original.Events))
	}
	for i, event := range parsed.Events {
		if event.Digest() != original.Events[i].Digest() {
			t.Fatalf("event %d digest changed across the round trip", i)
		}
	}
}

func TestParseDumpUnknownFormat(t *testing.T) {
	if _, err := parseDump([]byte("{}"), "yaml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestVerifyAcceptsConsistentDump(t *testing.T) {
	if err := verify(auditDump(t, "node-a", 8), true); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	parsed := auditDump(t, "node-a", 8)
	// Tampering with the last event leaves intra-dump linkage intact,
	// so only the root recomputation can catch it.
	parsed.Events[len(parsed.Events)-1].PayloadHash = vine.HashPayload([]byte("forged"))
	if err := verify(parsed, true); err == nil {
		t.Fatal("verify accepted a tampered payload")
	}
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	parsed := auditDump(t, "node-a", 8)
	parsed.Events[4].AncestorHash = vine.HashPayload([]byte("severed"))
	if err := verify(parsed, true); err == nil {
		t.Fatal("verify accepted a broken chain")
	}
	if err := verifyLinkage(parsed.Events); err == nil {
		t.Fatal("verifyLinkage missed the severed ancestor")
	}
}

func TestVerifyRequiresGenesisAncestor(t *testing.T) {
	parsed := auditDump(t, "node-a", 2)
	parsed.Events[0].AncestorHash = vine.HashPayload([]byte("not genesis"))
	if err := verifyLinkage(parsed.Events); err == nil {
		t.Fatal("sequence 0 accepted without the genesis ancestor")
	}
}

func TestVerifyRejectsMissingCheckpoint(t *testing.T) {
	if err := verify(&dump{}, true); err == nil {
		t.Fatal("verify accepted a dump with no checkpoint")
	}
}
