// Velocity window for the filament meter
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"math"
	"time"
)

type windowEntry struct {
	count float64 // meter count in millimeters
	at    time.Time
}

// velocityWindow is a fixed-capacity ring of (meter count, timestamp) pairs.
// Velocity is the slope between the oldest and newest entry once the ring is
// full; before that it is NaN. Smooths encoder jitter without lagging the way
// a heavy low-pass filter would.
type velocityWindow struct {
	entries []windowEntry
	head    int // next write position
	filled  int
}

func newVelocityWindow(capacity int) *velocityWindow {
	if capacity < 2 {
		capacity = 2
	}
	return &velocityWindow{entries: make([]windowEntry, capacity)}
}

// push records a new meter count reading, evicting the oldest once full.
func (w *velocityWindow) push(count float64, at time.Time) {
	w.entries[w.head] = windowEntry{count: count, at: at}
	w.head = (w.head + 1) % len(w.entries)
	if w.filled < len(w.entries) {
		w.filled++
	}
}

// velocity returns (newest-oldest)/(tNewest-tOldest) in mm/s, or NaN while
// the window is not yet full or the span is degenerate.
func (w *velocityWindow) velocity() float64 {
	if w.filled < len(w.entries) {
		return math.NaN()
	}
	newest := w.entries[(w.head+len(w.entries)-1)%len(w.entries)]
	oldest := w.entries[w.head]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return math.NaN()
	}
	return (newest.count - oldest.count) / dt
}
