// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// Opts holds the sampler configuration
type Opts struct {
	logger   *slog.Logger
	interval time.Duration
	clock    clock.WithTicker
	onTick   func(total energy.Energy)
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		interval: 100 * time.Millisecond,
		clock:    clock.RealClock{},
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithInterval sets the time between samples
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock; it must be monotonic
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithOnTick registers fn to be called from the sampling goroutine after
// every tick with the updated total. fn must not block.
func WithOnTick(fn func(total energy.Energy)) OptionFn {
	return func(o *Opts) {
		o.onTick = fn
	}
}
