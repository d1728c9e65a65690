// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Meshvine-verify checks a checkpoint against an event dump offline:
// it recomputes the Merkle root from the dumped events and reports
// whether it matches the checkpoint's claimed root, without a running
// mesh or any key material. Audit tooling for operators handed a
// checkpoint and the events it supposedly covers.
//
// Dumps are JSONC (hashes hex-encoded, signatures base64) or a raw
// CBOR stream of wire-encoded events with a trailing checkpoint.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/codec"
	"github.com/meshvine/meshvine/lib/version"
	"github.com/meshvine/meshvine/lib/vine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := flag.NewFlagSet("meshvine-verify", flag.ExitOnError)
	var (
		dumpPath    string
		format      string
		checkChain  bool
		showVersion bool
	)

	flags.StringVar(&dumpPath, "dump", "", "path to the event dump (required; - for stdin)")
	flags.StringVar(&format, "format", "", "dump format: jsonc or cbor (default: by file extension)")
	flags.BoolVar(&checkChain, "chain", true, "also verify ancestor linkage between dumped events")
	flags.BoolVar(&showVersion, "version", false, "print version information")
	flags.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("meshvine-verify %s\n", version.Info())
		return nil
	}
	if dumpPath == "" {
		flags.Usage()
		return fmt.Errorf("--dump is required")
	}

	data, err := readDump(dumpPath)
	if err != nil {
		return err
	}

	dump, err := parseDump(data, resolveFormat(format, dumpPath))
	if err != nil {
		return err
	}

	return verify(dump, checkChain)
}

// dump is the decoded input: the checkpoint under audit and the events
// claimed to constitute its window, in sequence order.
type dump struct {
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
	Events     []*vine.Event         `json:"events"`
}

func readDump(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	return data, nil
}

// resolveFormat picks the dump format from the explicit flag or, when
// the flag is empty, the file extension. Unrecognized extensions fall
// back to jsonc, the format the bench harness writes by default.
func resolveFormat(explicit, path string) string {
	if explicit != "" {
		return explicit
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cbor":
		return "cbor"
	default:
		return "jsonc"
	}
}

func parseDump(data []byte, format string) (*dump, error) {
	switch format {
	case "jsonc":
		return parseJSONCDump(data)
	case "cbor":
		return parseCBORDump(data)
	default:
		return nil, fmt.Errorf("unknown dump format %q (want jsonc or cbor)", format)
	}
}

// parseJSONCDump strips JSONC comments and trailing commas from data,
// then unmarshals the result.
func parseJSONCDump(data []byte) (*dump, error) {
	stripped := jsonc.ToJSON(data)

	var parsed dump
	if err := json.Unmarshal(stripped, &parsed); err != nil {
		return nil, fmt.Errorf("parsing dump: %w", err)
	}
	return &parsed, nil
}

// parseCBORDump reads a stream of wire-encoded events terminated by a
// checkpoint, the order the mesh service writes them in.
func parseCBORDump(data []byte) (*dump, error) {
	decoder := codec.NewDecoder(bytes.NewReader(data))

	var parsed dump
	for {
		var raw codec.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding dump item: %w", err)
		}

		// Events carry sequence_no; the checkpoint carries
		// window_start_seq. Probe for the event shape first.
		var event vine.Event
		if err := codec.Unmarshal(raw, &event); err == nil && event.NodeID != "" && len(event.Signature) > 0 {
			parsed.Events = append(parsed.Events, &event)
			continue
		}

		var cp checkpoint.Checkpoint
		if err := codec.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("decoding dump item: %w", err)
		}
		parsed.Checkpoint = cp
	}
	return &parsed, nil
}

func verify(parsed *dump, checkChain bool) error {
	cp := &parsed.Checkpoint
	if cp.NodeID == "" {
		return fmt.Errorf("dump has no checkpoint")
	}

	fmt.Printf("checkpoint:  %s\n", cp.String())
	fmt.Printf("events:      %d\n", len(parsed.Events))

	if checkChain && len(parsed.Events) > 0 {
		if err := verifyLinkage(parsed.Events); err != nil {
			fmt.Printf("chain:       BROKEN\n")
			return err
		}
		fmt.Printf("chain:       intact\n")
	}

	if !checkpoint.Verify(cp, parsed.Events) {
		fmt.Printf("merkle root: MISMATCH\n")
		return fmt.Errorf("recomputed root does not match checkpoint %s", cp.String())
	}
	fmt.Printf("merkle root: verified\n")
	return nil
}

// verifyLinkage checks that each dumped event's ancestor hash is the
// digest of its predecessor. The first event's ancestor is outside the
// dump (it points at the event before the window), so only the links
// inside the dump are checkable. Sequence 0 is the exception: it must
// carry the genesis ancestor.
func verifyLinkage(events []*vine.Event) error {
	if events[0].SequenceNo == 0 && events[0].AncestorHash != vine.Genesis {
		return fmt.Errorf("event 0 does not carry the genesis ancestor")
	}
	for i := 1; i < len(events); i++ {
		want := events[i-1].Digest()
		if events[i].AncestorHash != want {
			return fmt.Errorf("event %d ancestor %s, want %s (digest of event %d)",
				events[i].SequenceNo,
				vine.FormatHash(events[i].AncestorHash),
				vine.FormatHash(want),
				events[i-1].SequenceNo)
		}
	}
	return nil
}
