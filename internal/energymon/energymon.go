// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package energymon reads cumulative energy consumption from one of several
// energy sources through a single Monitor interface.
package energymon

import (
	"errors"
	"fmt"

	"github.com/sustainable-computing-io/energymon/internal/device"
)

var (
	// ErrNotInitialized is returned when an operation needs an active monitor
	ErrNotInitialized = errors.New("energy monitor not initialized")

	// ErrAlreadyInitialized is returned by Init on an active monitor
	ErrAlreadyInitialized = errors.New("energy monitor already initialized")

	// ErrNilBuffer is returned by SourceInto for a nil buffer
	ErrNilBuffer = errors.New("nil buffer")

	// ErrNoDevice is returned when discovery finds no usable hardware
	ErrNoDevice = device.ErrNoDevice

	// ErrInvalidConfig is returned for malformed configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicateChannel is returned by Init when a channel is named twice
	ErrDuplicateChannel = fmt.Errorf("%w: duplicate channel", ErrInvalidConfig)
)

// Monitor is a source of cumulative energy readings.
//
// Init must be called before ReadTotal and Finish; calling them out of order
// returns ErrNotInitialized or ErrAlreadyInitialized. A finished monitor may
// be initialized again.
type Monitor interface {
	// Init opens the energy source and starts background sampling if the
	// source needs it
	Init() error

	// ReadTotal returns the energy consumed since Init in microjoules. Values
	// never decrease while the monitor is active.
	ReadTotal() (uint64, error)

	// Finish stops sampling and releases every device. All teardown steps
	// run even if some fail; failures are joined into the returned error.
	Finish() error

	// Source is a human readable description of the energy source
	Source() string

	// Interval is the minimum useful time between reads in microseconds
	Interval() (uint64, error)

	// Precision is the resolution of a single reading in microjoules
	Precision() (uint64, error)

	// Exclusive reports whether the source may only be used by a single
	// monitor at a time
	Exclusive() bool
}

// SourceInto copies m's source label into buf, truncating it to fit, and
// returns the number of bytes written.
func SourceInto(m Monitor, buf []byte) (int, error) {
	if buf == nil {
		return 0, ErrNilBuffer
	}
	return copy(buf, m.Source()), nil
}
