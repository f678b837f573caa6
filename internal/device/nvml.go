// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// nvmlLib is the slice of the NVML API used here; tests substitute it.
type nvmlLib interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return)
	ErrorString(ret nvml.Return) string
}

type nvmlDevice interface {
	GetUUID() (string, nvml.Return)
	GetName() (string, nvml.Return)
	GetTotalEnergyConsumption() (uint64, nvml.Return)
}

type realNvmlLib struct{}

func (realNvmlLib) Init() nvml.Return {
	return nvml.Init()
}

func (realNvmlLib) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (realNvmlLib) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (realNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	d, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return d, ret
}

func (realNvmlLib) ErrorString(ret nvml.Return) string {
	return nvml.ErrorString(ret)
}

// nvmlSession shuts NVML down once the last channel using it is closed.
type nvmlSession struct {
	lib  nvmlLib
	mu   sync.Mutex
	refs int
}

func (s *nvmlSession) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	if ret := s.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", s.lib.ErrorString(ret))
	}
	return nil
}

// OpenNVML initializes NVML and returns one energy counter per GPU that
// supports total energy consumption.
func OpenNVML(logger *slog.Logger) ([]*GPUChannel, error) {
	return openNVML(realNvmlLib{}, logger)
}

func openNVML(lib nvmlLib, logger *slog.Logger) ([]*GPUChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "nvml")

	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: nvml init: %s", ErrNoDevice, lib.ErrorString(ret))
	}

	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		lib.Shutdown()
		return nil, fmt.Errorf("nvml device count: %s", lib.ErrorString(ret))
	}

	session := &nvmlSession{lib: lib}
	var channels []*GPUChannel
	for i := range count {
		dev, ret := lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			logger.Warn("Skipping GPU", "index", i, "error", lib.ErrorString(ret))
			continue
		}
		if _, ret := dev.GetTotalEnergyConsumption(); ret != nvml.SUCCESS {
			logger.Info("GPU does not report energy", "index", i, "error", lib.ErrorString(ret))
			continue
		}
		name := fmt.Sprintf("gpu%d", i)
		if uuid, ret := dev.GetUUID(); ret == nvml.SUCCESS {
			logger.Debug("Found GPU", "index", i, "uuid", uuid)
		}
		channels = append(channels, &GPUChannel{name: name, index: i, dev: dev, session: session})
	}

	if len(channels) == 0 {
		lib.Shutdown()
		return nil, fmt.Errorf("%w: no GPU reports total energy consumption", ErrNoDevice)
	}
	session.refs = len(channels)
	return channels, nil
}

// GPUChannel is a GPU's total energy counter, reported by NVML in mJ.
type GPUChannel struct {
	name    string
	index   int
	dev     nvmlDevice
	session *nvmlSession
	closed  bool
}

var _ CounterChannel = (*GPUChannel)(nil)

func (g *GPUChannel) Name() string {
	return g.name
}

func (g *GPUChannel) Energy() (energy.Energy, error) {
	if g.closed {
		return 0, fmt.Errorf("%s closed", g.name)
	}
	mj, ret := g.dev.GetTotalEnergyConsumption()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%s energy: %s", g.name, g.session.lib.ErrorString(ret))
	}
	return energy.Energy(mj) * energy.MilliJoule, nil
}

// MaxEnergy is zero: the 64-bit millijoule counter does not wrap in practice.
func (g *GPUChannel) MaxEnergy() energy.Energy {
	return 0
}

func (g *GPUChannel) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.session.release()
}
