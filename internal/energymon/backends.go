// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"fmt"
	"strings"
	"time"

	"github.com/sustainable-computing-io/energymon/internal/device"
	"github.com/sustainable-computing-io/energymon/internal/energy"
)

const (
	// defaultPollingInterval applies when neither the sensors nor the
	// configuration suggest an interval
	defaultPollingInterval = 100 * time.Millisecond

	// minPollingInterval is the shortest interval any polling monitor runs at
	minPollingInterval = time.Millisecond

	// minRedfishInterval keeps BMC request rates reasonable
	minRedfishInterval = time.Second

	// directInterval is the interval reported by counter based sources
	directInterval = time.Millisecond

	// ospInterval is how often the ODROID Smart Power refreshes
	ospInterval = 200 * time.Millisecond
)

// resolveInterval returns the requested interval if any, otherwise the
// sensor's own interval raised to fallback, and never less than floor.
func resolveInterval(s settings, sensor, fallback, floor time.Duration) time.Duration {
	d := s.interval
	if d == 0 {
		d = max(sensor, fallback)
	}
	return max(d, floor)
}

// selectChannels returns the named channels in the order given, closing the
// rest. With no names every channel is returned.
func selectChannels[C device.Channel](all []C, names []string) ([]C, error) {
	if len(names) == 0 {
		return all, nil
	}

	index := make(map[string]int, len(all))
	for i, ch := range all {
		index[ch.Name()] = i
	}

	used := make([]bool, len(all))
	selected := make([]C, 0, len(names))
	for _, n := range names {
		i, ok := index[n]
		if !ok {
			_ = device.CloseAll(all)
			return nil, fmt.Errorf("%w: channel %q not found (available: %s)",
				ErrNoDevice, n, strings.Join(channelNames(all), ", "))
		}
		used[i] = true
		selected = append(selected, all[i])
	}

	var rest []C
	for i, ch := range all {
		if !used[i] {
			rest = append(rest, ch)
		}
	}
	_ = device.CloseAll(rest)
	return selected, nil
}

func asChannels[C device.Channel](channels []C) []device.Channel {
	out := make([]device.Channel, len(channels))
	for i, ch := range channels {
		out[i] = ch
	}
	return out
}

func dummyBackend() backend {
	return backend{
		kind:      Dummy,
		source:    "Dummy Source",
		env:       defaultEnv,
		interval:  time.Microsecond,
		precision: 1,
		open: func(settings) (*discovery, error) {
			return &discovery{}, nil
		},
	}
}

func fakeBackend(o Opts) backend {
	return backend{
		kind:   Fake,
		source: "Fake Power Meter",
		env:    defaultEnv,
		open: func(s settings) (*discovery, error) {
			names := s.channels
			if len(names) == 0 {
				names = []string{"package-0"}
			}
			channels := make([]device.Channel, 0, len(names))
			for _, n := range names {
				channels = append(channels, device.NewFakePowerChannel(n, o.fakePower, o.fakeJitter))
			}
			return &discovery{
				channels: channels,
				interval: resolveInterval(s, 0, defaultPollingInterval, minPollingInterval),
			}, nil
		},
	}
}

func raplBackend(o Opts) backend {
	return backend{
		kind:      RAPL,
		source:    "Intel RAPL",
		env:       defaultEnv,
		interval:  directInterval,
		precision: 1,
		open: func(s settings) (*discovery, error) {
			r := device.NewRAPL(o.sysfsPath,
				device.WithMSRConfig(o.msr),
				device.WithRAPLLogger(o.logger))
			if err := r.Init(); err != nil {
				return nil, err
			}
			channels, err := selectChannels(r.Channels(), s.channels)
			if err != nil {
				return nil, err
			}
			return &discovery{
				channels: asChannels(channels),
				source:   "Intel RAPL via " + r.Name(),
			}, nil
		},
	}
}

func jetsonBackend(o Opts) backend {
	return backend{
		kind:   Jetson,
		source: "NVIDIA Jetson INA3221 Power Monitors",
		env: envNames{
			interval: []string{EnvJetsonInterval, EnvInterval},
			channels: []string{EnvJetsonRailNames, EnvChannels},
		},
		open: func(s settings) (*discovery, error) {
			rails, err := device.DiscoverRails(o.sysfsPath, o.logger)
			if err != nil {
				return nil, err
			}

			var channels []*device.RailChannel
			if len(s.channels) > 0 {
				channels, err = rails.Open(s.channels)
			} else {
				var set []string
				channels, set, err = rails.OpenFirst(device.DefaultRailSets)
				if err == nil {
					o.logger.Debug("Using default rail set", "rails", set)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("%w (available rails: %s; set %s)",
					err, strings.Join(rails.Names(), ", "), EnvJetsonRailNames)
			}

			var sensor time.Duration
			for _, ch := range channels {
				sensor = max(sensor, ch.Interval())
			}
			return &discovery{
				channels: asChannels(channels),
				interval: resolveInterval(s, sensor, defaultPollingInterval, minPollingInterval),
			}, nil
		},
	}
}

func hwmonBackend(o Opts) backend {
	return backend{
		kind:   Hwmon,
		source: "hwmon Power Sensors",
		env:    defaultEnv,
		open: func(s settings) (*discovery, error) {
			h := device.NewHwmon(o.sysfsPath,
				device.WithHwmonLogger(o.logger),
				device.WithHwmonFilter(s.channels))
			channels, err := h.Channels()
			if err != nil {
				return nil, err
			}

			if missing := missingNames(channels, s.channels); len(missing) > 0 {
				_ = device.CloseAll(channels)
				return nil, fmt.Errorf("%w: hwmon sensors not found: %s",
					ErrNoDevice, strings.Join(missing, ", "))
			}

			var sensor time.Duration
			for _, ch := range channels {
				sensor = max(sensor, ch.Interval())
			}
			return &discovery{
				channels: asChannels(channels),
				interval: resolveInterval(s, sensor, defaultPollingInterval, minPollingInterval),
			}, nil
		},
	}
}

// missingNames returns the wanted names, compared case-insensitively, that
// no channel carries.
func missingNames[C device.Channel](channels []C, wanted []string) []string {
	have := make(map[string]bool, len(channels))
	for _, ch := range channels {
		have[strings.ToLower(ch.Name())] = true
	}
	var missing []string
	for _, n := range wanted {
		if !have[strings.ToLower(n)] {
			missing = append(missing, n)
		}
	}
	return missing
}

func ospBackend(o Opts, polling bool) backend {
	b := backend{
		kind:      OSP,
		source:    "ODROID Smart Power",
		exclusive: true,
		env:       defaultEnv,
		interval:  ospInterval,
		// the meter reports watt-hours to three decimals
		precision: uint64(energy.WattHour / 1000),
	}
	if polling {
		b.kind = OSPPolling
		b.source = "ODROID Smart Power with Polling"
		b.interval = 0
		b.precision = 0
	}

	b.open = func(s settings) (*discovery, error) {
		meter, err := device.OpenOSP(o.sysfsPath, o.ospDevice, device.WithOSPLogger(o.logger))
		if err != nil {
			return nil, err
		}
		return &discovery{
			channels: []device.Channel{meter},
			interval: resolveInterval(s, 0, ospInterval, minPollingInterval),
		}, nil
	}
	return b
}

func shmemBackend(o Opts) backend {
	return backend{
		kind:      Shmem,
		source:    "Shared Memory Feed",
		env:       defaultEnv,
		interval:  directInterval,
		precision: 1,
		open: func(settings) (*discovery, error) {
			feed, err := device.OpenShmemFeed(o.shmemPath)
			if err != nil {
				return nil, err
			}
			return &discovery{channels: []device.Channel{feed}}, nil
		},
	}
}

func redfishBackend(o Opts) backend {
	return backend{
		kind:   Redfish,
		source: "Redfish BMC",
		env:    defaultEnv,
		open: func(s settings) (*discovery, error) {
			if o.bmc.Endpoint == "" {
				return nil, fmt.Errorf("%w: no BMC endpoint", ErrInvalidConfig)
			}
			ch, err := device.OpenRedfish(o.bmc, o.logger)
			if err != nil {
				return nil, err
			}
			return &discovery{
				channels: []device.Channel{ch},
				interval: resolveInterval(s, 0, minRedfishInterval, minRedfishInterval),
				source:   fmt.Sprintf("Redfish BMC (%s)", ch.Strategy()),
			}, nil
		},
	}
}

func nvmlBackend(o Opts) backend {
	return backend{
		kind:      NVML,
		source:    "NVIDIA NVML",
		env:       defaultEnv,
		interval:  directInterval,
		precision: uint64(energy.MilliJoule),
		open: func(s settings) (*discovery, error) {
			gpus, err := device.OpenNVML(o.logger)
			if err != nil {
				return nil, err
			}
			channels, err := selectChannels(gpus, s.channels)
			if err != nil {
				return nil, err
			}
			return &discovery{channels: asChannels(channels)}, nil
		},
	}
}

func cpuModelBackend(o Opts) backend {
	return backend{
		kind:   CPUModel,
		source: "CPU Utilisation Power Model",
		env:    defaultEnv,
		open: func(s settings) (*discovery, error) {
			ch, err := device.NewCPUModelChannel(o.cpuModel)
			if err != nil {
				return nil, err
			}
			return &discovery{
				channels: []device.Channel{ch},
				interval: resolveInterval(s, 0, defaultPollingInterval, minPollingInterval),
			}, nil
		},
	}
}
