// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvInterval overrides the sampling interval, in microseconds
	EnvInterval = "ENERGYMON_INTERVAL_US"

	// EnvChannels is a comma separated list of channel names to monitor
	EnvChannels = "ENERGYMON_CHANNELS"

	EnvJetsonInterval  = "ENERGYMON_JETSON_INTERVAL_US"
	EnvJetsonRailNames = "ENERGYMON_JETSON_RAIL_NAMES"
)

// envNames lists the variables a kind reads, most specific first
type envNames struct {
	interval []string
	channels []string
}

var defaultEnv = envNames{
	interval: []string{EnvInterval},
	channels: []string{EnvChannels},
}

// settings are the interval and channel selection after applying the
// environment on top of the options. A zero interval means none was
// requested.
type settings struct {
	interval time.Duration
	channels []string
}

func (o *Opts) settings(env envNames) (settings, error) {
	s := settings{interval: o.interval, channels: o.channels}

	for _, name := range env.interval {
		v, ok := o.lookupEnv(name)
		if !ok {
			continue
		}
		d, err := ParseInterval(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", name, err)
		}
		s.interval = d
		break
	}

	for _, name := range env.channels {
		v, ok := o.lookupEnv(name)
		if !ok {
			continue
		}
		names, err := ParseChannels(v)
		if err != nil {
			return s, fmt.Errorf("%s: %w", name, err)
		}
		s.channels = names
		break
	}

	if err := checkDuplicates(s.channels); err != nil {
		return s, err
	}
	return s, nil
}

// ParseInterval parses a microsecond count. Like strtoul with base 0, a
// leading 0x selects hex and a leading 0 selects octal.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty interval", ErrInvalidConfig)
	}
	us, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q: %w", ErrInvalidConfig, s, err)
	}
	if us > uint64(1<<63-1)/uint64(time.Microsecond) {
		return 0, fmt.Errorf("%w: interval %q out of range", ErrInvalidConfig, s)
	}
	return time.Duration(us) * time.Microsecond, nil
}

// ParseChannels splits a comma separated list of channel names. Empty items
// are an error.
func ParseChannels(s string) ([]string, error) {
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty channel name in %q", ErrInvalidConfig, s)
		}
		names = append(names, p)
	}
	return names, nil
}

func checkDuplicates(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("%w: %q", ErrDuplicateChannel, n)
		}
		seen[n] = true
	}
	return nil
}
