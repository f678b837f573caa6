// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package device discovers and reads the hardware and software sources that
// feed an energy monitor. Each source is exposed as one or more channels that
// yield either instantaneous power or a wrapping energy counter.
package device

import (
	"errors"
	"fmt"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// Channel is one sampled input of an energy monitor. A channel exclusively
// owns whatever OS resource backs it and releases it on Close.
type Channel interface {
	// Name identifies the channel, e.g. a rail or RAPL domain name
	Name() string

	// Close releases the resources backing the channel
	Close() error
}

// PowerChannel is a channel that reports instantaneous power.
type PowerChannel interface {
	Channel
	Power() (energy.Power, error)
}

// CounterChannel is a channel that reports a cumulative energy counter.
type CounterChannel interface {
	Channel

	// Energy returns the current raw counter value
	Energy() (energy.Energy, error)

	// MaxEnergy returns the value after which Energy wraps back to zero.
	// Zero means the ceiling is unknown.
	MaxEnergy() energy.Energy
}

// ErrNoDevice is returned when discovery finds nothing to read from.
var ErrNoDevice = errors.New("no device found")

// CloseAll closes every channel and joins their errors.
func CloseAll[C Channel](channels []C) error {
	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
