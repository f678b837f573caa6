// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects the metric groups the Prometheus exporter publishes, as a
// bit set
type Level uint32

const (
	MetricsLevelEnergy   Level = 1 << iota // cumulative energy
	MetricsLevelSource                     // energy source info
	MetricsLevelSampling                   // interval and precision

	MetricsLevelAll = MetricsLevelEnergy | MetricsLevelSource | MetricsLevelSampling
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelEnergy, "energy"},
	{MetricsLevelSource, "source"},
	{MetricsLevelSampling, "sampling"},
}

func (l Level) names() []string {
	var names []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			names = append(names, ln.name)
		}
	}
	return names
}

func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

func (l Level) IsEnergyEnabled() bool {
	return l&MetricsLevelEnergy != 0
}

func (l Level) IsSourceEnabled() bool {
	return l&MetricsLevelSource != 0
}

func (l Level) IsSamplingEnabled() bool {
	return l&MetricsLevelSampling != 0
}

// ParseLevel parses metric group names; no names selects every group
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}
	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	names := make([]string, len(levelNames))
	for i, ln := range levelNames {
		names[i] = ln.name
	}
	return names
}

// MarshalYAML writes a single level as a string and several as a list
func (l Level) MarshalYAML() (any, error) {
	names := l.names()
	if len(names) == 1 {
		return names[0], nil
	}
	return names, nil
}

func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, err := ParseLevel([]string{single})
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, err := ParseLevel(multiple)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
