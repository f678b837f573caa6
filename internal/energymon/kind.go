// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"fmt"
	"strings"
)

// Kind identifies an energy source implementation
type Kind int

const (
	Dummy Kind = iota
	Fake
	RAPL
	Jetson
	Hwmon
	OSP
	OSPPolling
	Shmem
	Redfish
	NVML
	CPUModel
)

var kindNames = map[Kind]string{
	Dummy:      "dummy",
	Fake:       "fake",
	RAPL:       "rapl",
	Jetson:     "jetson",
	Hwmon:      "hwmon",
	OSP:        "osp",
	OSPPolling: "osp-polling",
	Shmem:      "shmem",
	Redfish:    "redfish",
	NVML:       "nvml",
	CPUModel:   "cpumodel",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds returns every supported kind in declaration order
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := Dummy; k <= CPUModel; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseKind returns the Kind named s; "default" selects the build default.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "default" || name == "" {
		return DefaultKind, nil
	}
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown energy monitor %q", ErrInvalidConfig, s)
}

// KindNames returns the names accepted by ParseKind
func KindNames() []string {
	names := []string{"default"}
	for _, k := range Kinds() {
		names = append(names, k.String())
	}
	return names
}

// New returns an uninitialized monitor of the given kind.
func New(kind Kind, applyOpts ...OptionFn) (Monitor, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	switch kind {
	case Dummy:
		return newDirectMonitor(dummyBackend(), opts), nil
	case Fake:
		return newPollingMonitor(fakeBackend(opts), opts), nil
	case RAPL:
		return newDirectMonitor(raplBackend(opts), opts), nil
	case Jetson:
		return newPollingMonitor(jetsonBackend(opts), opts), nil
	case Hwmon:
		return newPollingMonitor(hwmonBackend(opts), opts), nil
	case OSP:
		return newDirectMonitor(ospBackend(opts, false), opts), nil
	case OSPPolling:
		return newPollingMonitor(ospBackend(opts, true), opts), nil
	case Shmem:
		return newDirectMonitor(shmemBackend(opts), opts), nil
	case Redfish:
		return newPollingMonitor(redfishBackend(opts), opts), nil
	case NVML:
		return newDirectMonitor(nvmlBackend(opts), opts), nil
	case CPUModel:
		return newPollingMonitor(cpuModelBackend(opts), opts), nil
	}
	return nil, fmt.Errorf("%w: unknown energy monitor %s", ErrInvalidConfig, kind)
}

// Default returns an uninitialized monitor of the build's default kind.
func Default(applyOpts ...OptionFn) (Monitor, error) {
	return New(DefaultKind, applyOpts...)
}
