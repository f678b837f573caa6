// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import "time"

// Integrator estimates the energy of a power channel with rectangular
// integration: each sample is assumed constant since the channel's previous
// successful sample. Integrator is not safe for concurrent use.
type Integrator struct {
	last time.Time
}

// Prime sets the time baseline, normally the moment sampling starts.
func (i *Integrator) Prime(now time.Time) {
	i.last = now
}

// Primed reports whether a baseline has been set.
func (i *Integrator) Primed() bool {
	return !i.last.IsZero()
}

// Integrate returns p * (now - baseline) and moves the baseline to now.
// Callers only integrate successful samples so a failed read extends the
// span covered by the next one. Negative power and time going backwards
// both contribute nothing.
func (i *Integrator) Integrate(p Power, now time.Time) Energy {
	if !i.Primed() {
		i.last = now
		return 0
	}
	elapsed := now.Sub(i.last)
	i.last = now
	if elapsed <= 0 || p <= 0 {
		return 0
	}
	return Integrate(p, elapsed)
}

// Integrate returns the energy of power p held for d.
// Power is in µW, so µW * µs / 1e6 gives µJ.
func Integrate(p Power, d time.Duration) Energy {
	if p <= 0 || d <= 0 {
		return 0
	}
	us := float64(d.Microseconds())
	return Energy(p.MicroWatts() * us / 1e6)
}
