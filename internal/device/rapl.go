// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"k8s.io/utils/ptr"
)

// Unit identifies one RAPL counter domain by package and die.
type Unit struct {
	Package int
	Die     int
}

func (u Unit) String() string {
	return fmt.Sprintf("package-%d-die-%d", u.Package, u.Die)
}

// RAPLChannel is a package energy counter for one Unit.
type RAPLChannel interface {
	CounterChannel
	Unit() Unit
	Path() string
}

// MSRConfig controls the MSR fallback used when powercap is unavailable.
type MSRConfig struct {
	Enabled    *bool
	Force      *bool
	DevicePath string
}

// RAPL discovers package energy counters, preferring the powercap sysfs
// interface and falling back to reading MSRs directly when allowed.
type RAPL struct {
	logger    *slog.Logger
	sysfsPath string
	msrConfig MSRConfig
	useMSR    bool
	channels  []RAPLChannel
}

type RAPLOptionFn func(*RAPL)

// WithMSRConfig sets the MSR fallback behaviour
func WithMSRConfig(c MSRConfig) RAPLOptionFn {
	return func(r *RAPL) {
		r.msrConfig = c
	}
}

// WithRAPLLogger sets the logger for RAPL
func WithRAPLLogger(logger *slog.Logger) RAPLOptionFn {
	return func(r *RAPL) {
		r.logger = logger.With("service", "rapl")
	}
}

// NewRAPL returns a RAPL reader rooted at sysfsPath (normally /sys).
func NewRAPL(sysfsPath string, opts ...RAPLOptionFn) *RAPL {
	r := &RAPL{
		logger:    slog.Default().With("service", "rapl"),
		sysfsPath: sysfsPath,
		msrConfig: MSRConfig{
			Enabled:    ptr.To(false),
			Force:      ptr.To(false),
			DevicePath: "/dev/cpu/%d/msr",
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the interface the counters are read through
func (r *RAPL) Name() string {
	if r.useMSR {
		return "msr"
	}
	return "powercap"
}

// Init discovers one counter per unit and verifies each can be read.
func (r *RAPL) Init() error {
	if len(r.channels) != 0 {
		return errors.New("rapl already initialized")
	}

	channels, useMSR, err := r.discover()
	if err != nil {
		return err
	}

	for _, ch := range channels {
		if _, err := ch.Energy(); err != nil {
			_ = CloseAll(channels)
			return fmt.Errorf("failed to read energy from %s: %w", ch.Path(), err)
		}
	}

	sort.Slice(channels, func(i, j int) bool {
		a, b := channels[i].Unit(), channels[j].Unit()
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Die < b.Die
	})

	r.channels = channels
	r.useMSR = useMSR
	r.logger.Info("RAPL counters discovered",
		"reader", r.Name(),
		"units", len(channels))
	return nil
}

func (r *RAPL) discover() ([]RAPLChannel, bool, error) {
	if ptr.Deref(r.msrConfig.Force, false) {
		r.logger.Info("MSR forced via configuration")
		channels, err := msrChannels(r.sysfsPath, r.msrConfig.DevicePath, r.logger)
		if err != nil {
			return nil, false, fmt.Errorf("MSR forced but not usable: %w", err)
		}
		return channels, true, nil
	}

	channels, err := powercapChannels(r.sysfsPath)
	if err == nil {
		return channels, false, nil
	}
	r.logger.Debug("powercap not usable", "error", err)

	if !ptr.Deref(r.msrConfig.Enabled, false) {
		return nil, false, fmt.Errorf("%w: powercap unavailable and MSR fallback disabled: %w", ErrNoDevice, err)
	}

	r.logger.Warn("MSR fallback enabled - be aware of PLATYPUS attack vectors (CVE-2020-8694/8695)")
	channels, msrErr := msrChannels(r.sysfsPath, r.msrConfig.DevicePath, r.logger)
	if msrErr != nil {
		return nil, false, fmt.Errorf("%w: neither powercap nor MSR usable: %w", ErrNoDevice, errors.Join(err, msrErr))
	}
	return channels, true, nil
}

// Channels returns the discovered counters ordered by package then die.
func (r *RAPL) Channels() []RAPLChannel {
	return r.channels
}

// Close releases every counter.
func (r *RAPL) Close() error {
	err := CloseAll(r.channels)
	r.channels = nil
	return err
}

var packageZoneName = regexp.MustCompile(`^package-(\d+)(?:-die-(\d+))?$`)

// parsePackageZone extracts the unit from a powercap zone name such as
// "package-1" or "package-0-die-1".
func parsePackageZone(name string) (Unit, bool) {
	m := packageZoneName.FindStringSubmatch(name)
	if m == nil {
		return Unit{}, false
	}
	pkg, _ := strconv.Atoi(m[1])
	die := 0
	if m[2] != "" {
		die, _ = strconv.Atoi(m[2])
	}
	return Unit{Package: pkg, Die: die}, true
}
