// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// CPUModel holds the coefficients of the utilisation power model
// P = Idle + (Max - Idle) * u^Gamma, where u is CPU utilisation in [0,1].
type CPUModel struct {
	Idle  energy.Power
	Max   energy.Power
	Gamma float64
}

// DefaultCPUModel describes a small machine.
func DefaultCPUModel() CPUModel {
	return CPUModel{
		Idle:  5 * energy.Watt,
		Max:   20 * energy.Watt,
		Gamma: 1.3,
	}
}

// Validate reports nonsensical coefficients.
func (m CPUModel) Validate() error {
	switch {
	case m.Idle < 0:
		return errors.New("idle power must not be negative")
	case m.Max < m.Idle:
		return errors.New("max power must not be below idle power")
	case m.Gamma <= 0:
		return errors.New("gamma must be positive")
	}
	return nil
}

// Estimate returns the modelled power at utilisation u.
func (m CPUModel) Estimate(u float64) energy.Power {
	u = math.Min(math.Max(u, 0), 1)
	return m.Idle + energy.Power(math.Pow(u, m.Gamma))*(m.Max-m.Idle)
}

// CPUModelChannel estimates whole-machine power from system CPU utilisation.
// Each reading covers utilisation since the previous reading.
type CPUModelChannel struct {
	model       CPUModel
	utilization func() (float64, error)
}

var _ PowerChannel = (*CPUModelChannel)(nil)

// NewCPUModelChannel primes the utilisation counters so the first reading
// covers the span since construction.
func NewCPUModelChannel(model CPUModel) (*CPUModelChannel, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	c := &CPUModelChannel{model: model, utilization: systemUtilization}
	if _, err := c.utilization(); err != nil {
		return nil, fmt.Errorf("%w: cpu utilisation unavailable: %w", ErrNoDevice, err)
	}
	return c, nil
}

// systemUtilization returns overall CPU busy fraction since the last call.
func systemUtilization() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu statistics")
	}
	return pct[0] / 100, nil
}

func (c *CPUModelChannel) Name() string {
	return "cpu"
}

func (c *CPUModelChannel) Power() (energy.Power, error) {
	u, err := c.utilization()
	if err != nil {
		return 0, fmt.Errorf("cpu utilisation: %w", err)
	}
	return c.model.Estimate(u), nil
}

func (c *CPUModelChannel) Close() error {
	return nil
}
