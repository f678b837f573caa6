// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/sustainable-computing-io/energymon/config"
	"github.com/sustainable-computing-io/energymon/config/redfish"
	"github.com/sustainable-computing-io/energymon/internal/device"
	"github.com/sustainable-computing-io/energymon/internal/energy"
	"github.com/sustainable-computing-io/energymon/internal/energymon"
)

// newMonitor creates the energy monitor selected by cfg.Monitor.Backend
func newMonitor(cfg *config.Config, logger *slog.Logger) (energymon.Monitor, error) {
	kind, err := energymon.ParseKind(cfg.Monitor.Backend)
	if err != nil {
		return nil, err
	}

	opts, err := monitorOptions(cfg, kind, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Using energy source", "backend", kind.String())
	return energymon.New(kind, opts...)
}

// monitorOptions translates the configuration into energymon options.
// Settings that do not apply to kind are passed anyway and ignored by it.
func monitorOptions(cfg *config.Config, kind energymon.Kind, logger *slog.Logger) ([]energymon.OptionFn, error) {
	opts := []energymon.OptionFn{
		energymon.WithLogger(logger),
		energymon.WithSysfsPath(cfg.Host.SysFS),
		energymon.WithInterval(cfg.Monitor.Interval),
		energymon.WithMSRConfig(device.MSRConfig{
			Enabled:    cfg.Rapl.MSR.Enabled,
			Force:      cfg.Rapl.MSR.Force,
			DevicePath: cfg.Rapl.MSR.DevicePath,
		}),
		energymon.WithOSPDevice(cfg.OSP.Device),
		energymon.WithShmemPath(cfg.Shmem.Path),
		energymon.WithFakePower(energy.Power(cfg.Dev.FakeMeter.Watts)*energy.Watt, cfg.Dev.FakeMeter.Jitter),
		energymon.WithCPUModel(device.CPUModel{
			Idle:  energy.Power(cfg.CPUModel.IdleWatts) * energy.Watt,
			Max:   energy.Power(cfg.CPUModel.MaxWatts) * energy.Watt,
			Gamma: cfg.CPUModel.Gamma,
		}),
	}
	if len(cfg.Monitor.Channels) > 0 {
		opts = append(opts, energymon.WithChannels(cfg.Monitor.Channels...))
	}

	if kind == energymon.CPUModel && cfg.CPUModel.Table != "" {
		m, err := device.LoadCPUModel(cfg.CPUModel.Table, cfg.CPUModel.Name)
		if err != nil {
			return nil, err
		}
		logger.Info("Using cpu power table", "table", cfg.CPUModel.Table,
			"idle", m.Idle, "max", m.Max, "gamma", m.Gamma)
		opts = append(opts, energymon.WithCPUModel(m))
	}

	if kind == energymon.Redfish {
		bmc, err := redfish.Resolve(cfg.Redfish.ConfigFile, cfg.Redfish.NodeName, cfg.Redfish.Timeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, energymon.WithBMC(bmc))
	}
	return opts, nil
}
