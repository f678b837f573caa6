// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// FakePowerChannel reports a configurable power value, optionally with random
// jitter. It is meant for development machines without power sensors and for
// tests.
type FakePowerChannel struct {
	name   string
	mu     sync.Mutex
	power  energy.Power
	jitter float64
	err    error
	closed bool
}

var _ PowerChannel = (*FakePowerChannel)(nil)

// NewFakePowerChannel returns a channel reporting power p. jitter is the
// fraction of p, in [0,1], by which readings randomly vary.
func NewFakePowerChannel(name string, p energy.Power, jitter float64) *FakePowerChannel {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	return &FakePowerChannel{name: name, power: p, jitter: jitter}
}

func (f *FakePowerChannel) Name() string {
	return f.name
}

func (f *FakePowerChannel) Power() (energy.Power, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errors.New("fake channel closed")
	}
	if f.err != nil {
		return 0, f.err
	}
	if f.jitter == 0 {
		return f.power, nil
	}
	delta := (rand.Float64()*2 - 1) * f.jitter * float64(f.power)
	return f.power + energy.Power(delta), nil
}

// SetPower changes the reported power.
func (f *FakePowerChannel) SetPower(p energy.Power) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.power = p
}

// SetError makes subsequent reads fail with err until cleared with nil.
func (f *FakePowerChannel) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakePowerChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeCounterChannel is a settable energy counter with a wrap ceiling.
type FakeCounterChannel struct {
	name   string
	mu     sync.Mutex
	value  energy.Energy
	max    energy.Energy
	err    error
	closed bool
}

var _ CounterChannel = (*FakeCounterChannel)(nil)

func NewFakeCounterChannel(name string, max energy.Energy) *FakeCounterChannel {
	return &FakeCounterChannel{name: name, max: max}
}

func (f *FakeCounterChannel) Name() string {
	return f.name
}

func (f *FakeCounterChannel) Energy() (energy.Energy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("fake channel closed")
	}
	return f.value, f.err
}

func (f *FakeCounterChannel) MaxEnergy() energy.Energy {
	return f.max
}

// Set stores the raw counter value, wrapping at the ceiling.
func (f *FakeCounterChannel) Set(v energy.Energy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.max > 0 {
		v %= f.max
	}
	f.value = v
}

// Add advances the counter by e, wrapping at the ceiling.
func (f *FakeCounterChannel) Add(e energy.Energy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value += e
	if f.max > 0 {
		f.value %= f.max
	}
}

func (f *FakeCounterChannel) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeCounterChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCounterChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakePowerChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
