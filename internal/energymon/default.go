// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !energymon_default_fake && !energymon_default_rapl && !energymon_default_jetson && !energymon_default_hwmon && !energymon_default_osp && !energymon_default_osp_polling && !energymon_default_shmem && !energymon_default_redfish && !energymon_default_nvml && !energymon_default_cpumodel

package energymon

// DefaultKind is the kind returned by Default. It is chosen at build time
// with an energymon_default_<kind> build tag and is Dummy without one.
const DefaultKind = Dummy
