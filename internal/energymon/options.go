// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"log/slog"
	"os"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/energymon/internal/device"
	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// Opts holds the configuration shared by every monitor kind. Fields that do
// not apply to a kind are ignored.
type Opts struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	lookupEnv func(string) (string, bool)

	sysfsPath string
	interval  time.Duration
	channels  []string

	msr        device.MSRConfig
	ospDevice  string
	shmemPath  string
	bmc        device.BMC
	fakePower  energy.Power
	fakeJitter float64
	cpuModel   device.CPUModel
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		lookupEnv: os.LookupEnv,
		sysfsPath: "/sys",
		msr: device.MSRConfig{
			Enabled:    ptr.To(false),
			Force:      ptr.To(false),
			DevicePath: "/dev/cpu/%d/msr",
		},
		shmemPath: "/dev/shm/energymon",
		bmc: device.BMC{
			Timeout: 5 * time.Second,
		},
		fakePower: 10 * energy.Watt,
		cpuModel:  device.DefaultCPUModel(),
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for sampling
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithEnv replaces the environment lookup; nil ignores the environment.
func WithEnv(lookup func(string) (string, bool)) OptionFn {
	return func(o *Opts) {
		if lookup == nil {
			lookup = func(string) (string, bool) { return "", false }
		}
		o.lookupEnv = lookup
	}
}

// WithSysfsPath sets the sysfs mount point
func WithSysfsPath(path string) OptionFn {
	return func(o *Opts) {
		o.sysfsPath = path
	}
}

// WithInterval sets the sampling interval of polling monitors. The
// environment takes precedence.
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithChannels restricts the monitor to the named channels. The environment
// takes precedence.
func WithChannels(names ...string) OptionFn {
	return func(o *Opts) {
		o.channels = names
	}
}

// WithMSRConfig sets the RAPL MSR fallback behaviour
func WithMSRConfig(c device.MSRConfig) OptionFn {
	return func(o *Opts) {
		o.msr = c
	}
}

// WithOSPDevice sets the hidraw node of the ODROID Smart Power meter
func WithOSPDevice(path string) OptionFn {
	return func(o *Opts) {
		o.ospDevice = path
	}
}

// WithShmemPath sets the file backing the shared memory feed
func WithShmemPath(path string) OptionFn {
	return func(o *Opts) {
		o.shmemPath = path
	}
}

// WithBMC sets the Redfish BMC connection
func WithBMC(bmc device.BMC) OptionFn {
	return func(o *Opts) {
		o.bmc = bmc
	}
}

// WithFakePower sets the power reported by each fake channel
func WithFakePower(p energy.Power, jitter float64) OptionFn {
	return func(o *Opts) {
		o.fakePower = p
		o.fakeJitter = jitter
	}
}

// WithCPUModel sets the utilisation power model
func WithCPUModel(m device.CPUModel) OptionFn {
	return func(o *Opts) {
		o.cpuModel = m
	}
}
