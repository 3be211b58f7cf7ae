// Package clock supplies the monotonic "now" used for endTime comparisons.
// The ledger is agnostic to the unit: unix seconds by default, or a block
// height when the host substrate provides one.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time or height.
type Clock interface {
	Now() uint64
}

// Func adapts a function to Clock.
type Func func() uint64

func (f Func) Now() uint64 { return f() }

// System reads the wall clock in unix seconds.
type System struct{}

func (System) Now() uint64 { return uint64(time.Now().Unix()) }

// Manual is a settable clock for tests and replays.
type Manual struct {
	now atomic.Uint64
}

// NewManual starts a manual clock at start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

func (m *Manual) Now() uint64 { return m.now.Load() }

// Set moves the clock to v.
func (m *Manual) Set(v uint64) { m.now.Store(v) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d uint64) { m.now.Add(d) }
