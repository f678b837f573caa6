// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// cpuModelRow is one line of a CPU power table:
//
//	Model,IdleWatts,MaxWatts,Gamma
//	Intel(R) Xeon(R) Gold 6230 CPU @ 2.10GHz,62,250,1.1
type cpuModelRow struct {
	Model     string  `csv:"Model"`
	IdleWatts float64 `csv:"IdleWatts"`
	MaxWatts  float64 `csv:"MaxWatts"`
	Gamma     float64 `csv:"Gamma,omitempty"`
}

// ErrCPUModelNotFound is returned when a CPU power table has no row for the
// requested processor.
var ErrCPUModelNotFound = errors.New("cpu model not found in power table")

// LookupCPUModel reads a CSV CPU power table and returns the coefficients
// for the processor named name. Rows without a gamma use a linear model.
func LookupCPUModel(r io.Reader, name string) (CPUModel, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		return CPUModel{}, fmt.Errorf("failed to read cpu power table header: %w", err)
	}

	name = strings.TrimSpace(name)
	for {
		var row cpuModelRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return CPUModel{}, fmt.Errorf("failed to decode cpu power table: %w", err)
		}
		if !strings.EqualFold(strings.TrimSpace(row.Model), name) {
			continue
		}
		if row.Gamma == 0 {
			row.Gamma = 1
		}
		m := CPUModel{
			Idle:  energy.Power(row.IdleWatts) * energy.Watt,
			Max:   energy.Power(row.MaxWatts) * energy.Watt,
			Gamma: row.Gamma,
		}
		if err := m.Validate(); err != nil {
			return CPUModel{}, fmt.Errorf("invalid cpu power table entry for %q: %w", name, err)
		}
		return m, nil
	}
	return CPUModel{}, fmt.Errorf("%w: %q", ErrCPUModelNotFound, name)
}

// LoadCPUModel looks up name in the CPU power table at path. An empty name
// selects the model of the first processor on this machine.
func LoadCPUModel(path, name string) (CPUModel, error) {
	if name == "" {
		detected, err := processorName()
		if err != nil {
			return CPUModel{}, err
		}
		name = detected
	}

	f, err := os.Open(path)
	if err != nil {
		return CPUModel{}, fmt.Errorf("failed to open cpu power table: %w", err)
	}
	defer func() { _ = f.Close() }()

	return LookupCPUModel(f, name)
}

func processorName() (string, error) {
	info, err := cpu.Info()
	if err != nil {
		return "", fmt.Errorf("failed to detect cpu model: %w", err)
	}
	for _, i := range info {
		if i.ModelName != "" {
			return i.ModelName, nil
		}
	}
	return "", errors.New("failed to detect cpu model: no model name reported")
}
