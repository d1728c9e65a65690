// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler consumes delivered envelopes. *Service implements it.
type Handler interface {
	Ingest(ctx context.Context, data []byte) error
}

// Loopback is an in-process fabric wiring services together for
// tests and benchmarks. Delivery is synchronous in the sender's
// goroutine, in lexical node order, so runs are reproducible. An
// optional filter injects partitions and loss.
type Loopback struct {
	mu     sync.RWMutex
	nodes  map[string]Handler
	filter func(from, to string) bool
}

func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]Handler)}
}

// Attach returns the Transport bound to nodeID. The node receives
// nothing until Register installs its handler, so a service can be
// constructed with its transport before it joins delivery.
func (l *Loopback) Attach(nodeID string) Transport {
	return &loopbackTransport{fabric: l, from: nodeID}
}

// Register installs the inbound handler for nodeID.
func (l *Loopback) Register(nodeID string, handler Handler) {
	l.mu.Lock()
	l.nodes[nodeID] = handler
	l.mu.Unlock()
}

// SetFilter installs a delivery predicate consulted per (from, to)
// pair. Returning false drops the message silently, the way a lossy
// network would.
func (l *Loopback) SetFilter(filter func(from, to string) bool) {
	l.mu.Lock()
	l.filter = filter
	l.mu.Unlock()
}

type loopbackTransport struct {
	fabric *Loopback
	from   string
}

var _ Transport = (*loopbackTransport)(nil)

func (t *loopbackTransport) Broadcast(ctx context.Context, data []byte) error {
	fabric := t.fabric
	fabric.mu.RLock()
	names := make([]string, 0, len(fabric.nodes))
	for nodeID := range fabric.nodes {
		if nodeID == t.from {
			continue
		}
		if fabric.filter != nil && !fabric.filter(t.from, nodeID) {
			continue
		}
		names = append(names, nodeID)
	}
	sort.Strings(names)
	targets := make([]Handler, len(names))
	for i, nodeID := range names {
		targets[i] = fabric.nodes[nodeID]
	}
	fabric.mu.RUnlock()

	for _, handler := range targets {
		// Receiver-side failures stay with the receiver; a lossy mesh
		// does not report them to the sender.
		_ = handler.Ingest(ctx, data)
	}
	return nil
}

func (t *loopbackTransport) Send(ctx context.Context, peerID string, data []byte) error {
	fabric := t.fabric
	fabric.mu.RLock()
	handler, ok := fabric.nodes[peerID]
	blocked := fabric.filter != nil && !fabric.filter(t.from, peerID)
	fabric.mu.RUnlock()

	if !ok {
		return fmt.Errorf("loopback: unknown peer %q", peerID)
	}
	if blocked || peerID == t.from {
		return nil
	}
	_ = handler.Ingest(ctx, data)
	return nil
}
