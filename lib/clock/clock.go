// Copyright 2026 The Meshvine Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the trust engine's two periodic
// schedules. Production code injects Real(); tests inject Fake() and
// advance it deterministically, so checkpoint and gossip tick
// behavior is testable without sleeping.
package clock

import "time"

// Clock is the time surface the engine consumes. Anything that reads
// the wall clock or schedules periodic work takes a Clock instead of
// calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks on C at the given
	// interval. Panics if d <= 0; interval validation happens at
	// configuration time.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1,
// matching time.Ticker: a consumer that falls behind drops ticks
// rather than queuing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks arrive on C after Stop
// returns; C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// realClock delegates to the time package.
type realClock struct{}

// Real returns the production Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
