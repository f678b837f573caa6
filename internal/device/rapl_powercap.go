// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs/sysfs"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// defaultMaxEnergy is the wrap ceiling assumed when a zone does not report
// max_energy_range_uj.
const defaultMaxEnergy = 1_000_000_000 * energy.Joule

// powercapChannels returns the top-level package zones under
// class/powercap, one per unit.
func powercapChannels(sysfsPath string) ([]RAPLChannel, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}

	zones, err := sysfs.GetRaplZones(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	seen := make(map[Unit]string)
	var channels []RAPLChannel
	for _, z := range zones {
		base := filepath.Base(z.Path)
		// intel-rapl-mmio duplicates the package zones and subzones
		// (intel-rapl:0:0) are already part of their package
		if strings.Contains(base, "mmio") || strings.Count(base, ":") != 1 {
			continue
		}
		// procfs may split the index off the name, so read it raw
		name, err := readString(filepath.Join(z.Path, "name"))
		if err != nil {
			continue
		}
		unit, ok := parsePackageZone(name)
		if !ok {
			continue
		}
		if prev, dup := seen[unit]; dup {
			return nil, fmt.Errorf("zones %s and %s both claim %s", prev, z.Path, unit)
		}
		seen[unit] = z.Path
		channels = append(channels, &powercapZone{zone: z, unit: unit})
	}

	if len(channels) == 0 {
		return nil, fmt.Errorf("no RAPL package zones found")
	}
	return channels, nil
}

// powercapZone adapts sysfs.RaplZone to RAPLChannel.
type powercapZone struct {
	zone sysfs.RaplZone
	unit Unit
}

func (p *powercapZone) Name() string {
	return p.unit.String()
}

func (p *powercapZone) Unit() Unit {
	return p.unit
}

func (p *powercapZone) Path() string {
	return p.zone.Path
}

func (p *powercapZone) Energy() (energy.Energy, error) {
	uj, err := p.zone.GetEnergyMicrojoules()
	return energy.Energy(uj), err
}

func (p *powercapZone) MaxEnergy() energy.Energy {
	if p.zone.MaxMicrojoules == 0 {
		return defaultMaxEnergy
	}
	return energy.Energy(p.zone.MaxMicrojoules)
}

func (p *powercapZone) Close() error {
	return nil
}
