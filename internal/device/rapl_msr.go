// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

const (
	// MSRPowerUnit is IA32_RAPL_POWER_UNIT; bits 12:8 hold the energy unit
	MSRPowerUnit = 0x606

	// MSRPkgEnergyStatus is the 32-bit package energy counter
	MSRPkgEnergyStatus = 0x611
)

// msrChannels opens the MSR device of the first CPU of every unit found in
// the CPU topology and returns its package energy counter.
func msrChannels(sysfsPath, devicePath string, logger *slog.Logger) ([]RAPLChannel, error) {
	cpus, err := firstCPUPerUnit(filepath.Join(sysfsPath, "devices", "system", "cpu"))
	if err != nil {
		return nil, err
	}

	units := make([]Unit, 0, len(cpus))
	for u := range cpus {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Package != units[j].Package {
			return units[i].Package < units[j].Package
		}
		return units[i].Die < units[j].Die
	})

	var channels []RAPLChannel
	for _, u := range units {
		cpu := cpus[u]
		path := fmt.Sprintf(devicePath, cpu)
		f, err := os.Open(path)
		if err != nil {
			_ = CloseAll(channels)
			return nil, fmt.Errorf("failed to open MSR file %s: %w", path, err)
		}

		unit, err := readEnergyUnit(f)
		if err != nil {
			_ = f.Close()
			_ = CloseAll(channels)
			return nil, fmt.Errorf("failed to read energy unit from CPU %d: %w", cpu, err)
		}

		logger.Debug("Opened MSR counter", "unit", u, "cpu", cpu, "energy_unit_uj", unit)
		channels = append(channels, &msrZone{
			unit:       u,
			cpu:        cpu,
			file:       f,
			path:       path,
			energyUnit: unit,
		})
	}
	return channels, nil
}

// firstCPUPerUnit maps every (package, die) to its lowest numbered CPU.
func firstCPUPerUnit(cpuDir string) (map[Unit]int, error) {
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read CPU directory %s: %w", cpuDir, err)
	}

	units := make(map[Unit]int)
	for _, e := range entries {
		id, ok := strings.CutPrefix(e.Name(), "cpu")
		if !ok {
			continue
		}
		cpu, err := strconv.Atoi(id)
		if err != nil {
			continue
		}

		topo := filepath.Join(cpuDir, e.Name(), "topology")
		pkg, err := readInt(filepath.Join(topo, "physical_package_id"))
		if err != nil {
			// offline CPUs have no topology
			continue
		}
		die, err := readInt(filepath.Join(topo, "die_id"))
		if err != nil {
			die = 0
		}

		u := Unit{Package: int(pkg), Die: int(die)}
		if prev, ok := units[u]; !ok || cpu < prev {
			units[u] = cpu
		}
	}

	if len(units) == 0 {
		return nil, errors.New("no CPU topology found")
	}
	return units, nil
}

// readEnergyUnit returns the energy unit in microjoules per counter LSB.
func readEnergyUnit(f *os.File) (float64, error) {
	v, err := readMSR(f, MSRPowerUnit)
	if err != nil {
		return 0, err
	}
	bits := (v >> 8) & 0x1F
	return 1_000_000.0 / float64(uint64(1)<<bits), nil
}

func readMSR(f *os.File, offset int64) (uint64, error) {
	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x: %w", offset, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

type msrZone struct {
	unit       Unit
	cpu        int
	file       *os.File
	path       string
	energyUnit float64
}

func (m *msrZone) Name() string {
	return m.unit.String()
}

func (m *msrZone) Unit() Unit {
	return m.unit
}

func (m *msrZone) Path() string {
	return fmt.Sprintf("%s:0x%x", m.path, MSRPkgEnergyStatus)
}

func (m *msrZone) Energy() (energy.Energy, error) {
	if m.file == nil {
		return 0, fmt.Errorf("MSR file not opened for CPU %d", m.cpu)
	}
	v, err := readMSR(m.file, MSRPkgEnergyStatus)
	if err != nil {
		return 0, err
	}
	// the counter lives in the low 32 bits
	return energy.Energy(float64(uint32(v)) * m.energyUnit), nil
}

func (m *msrZone) MaxEnergy() energy.Energy {
	return energy.Energy(float64(math.MaxUint32) * m.energyUnit)
}

func (m *msrZone) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
