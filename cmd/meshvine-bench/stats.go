// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"sort"
	"sync"
	"time"
)

// latencySeries collects durations from concurrent recorders.
type latencySeries struct {
	mutex   sync.Mutex
	samples []time.Duration
}

func (series *latencySeries) record(d time.Duration) {
	series.mutex.Lock()
	series.samples = append(series.samples, d)
	series.mutex.Unlock()
}

func (series *latencySeries) stats() latencyStats {
	series.mutex.Lock()
	samples := make([]time.Duration, len(series.samples))
	copy(samples, series.samples)
	series.mutex.Unlock()
	return summarize(samples)
}

// latencyStats is the percentile summary of one series, in
// milliseconds for human and JSON output.
type latencyStats struct {
	Count int     `json:"count"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
}

func summarize(samples []time.Duration) latencyStats {
	if len(samples) == 0 {
		return latencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return latencyStats{
		Count: len(samples),
		P50MS: toMS(percentile(samples, 50)),
		P95MS: toMS(percentile(samples, 95)),
		P99MS: toMS(percentile(samples, 99)),
		MaxMS: toMS(samples[len(samples)-1]),
	}
}

// percentile returns the q-th percentile of sorted samples by the
// nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func toMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
