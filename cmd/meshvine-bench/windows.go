// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/meshvine/meshvine/lib/checkpoint"
	"github.com/meshvine/meshvine/lib/vine"
)

// windowResult is one window size's Merkle build measurement.
type windowResult struct {
	WindowSize      int          `json:"window_size"`
	Iterations      int          `json:"iterations"`
	Build           latencyStats `json:"build"`
	EventsPerSecond float64      `json:"events_per_second"`
}

func defaultWindowSizes() []int {
	return []int{10, 100, 1000, 10_000}
}

// measureWindows times checkpoint builds across window sizes. Event
// construction and buffering are excluded; the timed region is the
// digest-and-fold in Build. iterations <= 0 scales the count
// inversely with window size.
func measureWindows(sizes []int, iterations int) ([]windowResult, error) {
	results := make([]windowResult, 0, len(sizes))
	for _, size := range sizes {
		if size < 1 {
			return nil, fmt.Errorf("window size must be positive, got %d", size)
		}
		iters := iterations
		if iters <= 0 {
			iters = max(10, 20_000/size)
		}
		result, err := measureWindow(size, iters)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func measureWindow(size, iterations int) (windowResult, error) {
	chain := vine.NewChain("bench")
	events := make([]*vine.Event, size)
	for i := range events {
		event := chain.Next(vine.HashPayload(fmt.Appendf(nil, "window event %d", i)))
		if err := chain.Append(event); err != nil {
			return windowResult{}, fmt.Errorf("building event chain: %w", err)
		}
		events[i] = event
	}

	samples := make([]time.Duration, 0, iterations)
	for iter := 0; iter < iterations; iter++ {
		builder := checkpoint.NewBuilder("bench", size)
		for _, event := range events {
			if err := builder.Add(event); err != nil {
				return windowResult{}, fmt.Errorf("staging window: %w", err)
			}
		}
		started := time.Now()
		built, _ := builder.Build(benchEpochMS)
		samples = append(samples, time.Since(started))
		if built.EventCount() != size {
			return windowResult{}, fmt.Errorf("window build covered %d events, want %d", built.EventCount(), size)
		}
	}

	stats := summarize(samples)
	result := windowResult{WindowSize: size, Iterations: iterations, Build: stats}
	if stats.P50MS > 0 {
		result.EventsPerSecond = float64(size) / (stats.P50MS / 1000)
	}
	return result, nil
}
