// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

// Counter turns successive readings of a hardware energy counter into
// non-negative energy deltas, correcting for wraparound at the counter's
// ceiling. A Counter is not safe for concurrent use; the owner serializes
// calls to Update.
type Counter struct {
	max       Energy
	last      Energy
	overflows uint64
	primed    bool
}

// NewCounter returns a Counter for a register that wraps back to zero after
// reaching max. A zero max means the ceiling is unknown and any decrease is
// treated as a counter reset.
func NewCounter(max Energy) *Counter {
	return &Counter{max: max}
}

// Update records reading c and returns the energy consumed since the previous
// reading. The first reading only establishes the baseline and returns 0.
func (c *Counter) Update(reading Energy) Energy {
	if !c.primed {
		c.last = reading
		c.primed = true
		return 0
	}

	var delta Energy
	switch {
	case reading >= c.last:
		delta = reading - c.last
	case c.max > 0:
		c.overflows++
		delta = (c.max - c.last) + reading
	default:
		// counter restarted from zero without a known ceiling
		delta = reading
	}
	c.last = reading
	return delta
}

// Last returns the most recent raw reading.
func (c *Counter) Last() Energy {
	return c.last
}

// Max returns the wrap ceiling.
func (c *Counter) Max() Energy {
	return c.max
}

// Overflows returns how many times the counter has wrapped.
func (c *Counter) Overflows() uint64 {
	return c.overflows
}

// Position returns the absolute counter value, last + overflows*max.
func (c *Counter) Position() Energy {
	return c.last + Energy(c.overflows)*c.max
}

// Reset forgets the baseline so the next Update primes again.
func (c *Counter) Reset() {
	c.last = 0
	c.overflows = 0
	c.primed = false
}
