// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// ErrDuplicateRail is returned when a requested rail name is exposed by more
// than one sensor, or requested twice.
var ErrDuplicateRail = errors.New("duplicate rail name")

// DefaultRailSets are tried in order when no rails are requested explicitly.
// A set is only used when every rail in it exists.
var DefaultRailSets = [][]string{
	{"VDD_IN", "VDD_MUX"},
	{"VDD_IN"},
	{"POM_5V_IN"},
	{"GPU", "CPU", "SOC", "CV", "VDDRQ", "SYS5V"},
}

type railKind int

const (
	// railMilliwatts is an ina3221x iio power file reporting mW
	railMilliwatts railKind = iota
	// railVoltageCurrent is a mainline ina3221 hwmon pair of mV and mA files
	railVoltageCurrent
)

// railInfo locates a rail's files; nothing is opened until the rail is used.
type railInfo struct {
	name     string
	kind     railKind
	paths    []string
	interval time.Duration
}

// Rails is the catalogue of INA3221 power rails found on a board. Both the
// downstream ina3221x iio driver and the mainline ina3221 hwmon driver are
// scanned.
type Rails struct {
	logger *slog.Logger
	rails  map[string][]railInfo
}

// DiscoverRails scans <sysfsPath>/bus/i2c/drivers for INA3221 rails.
func DiscoverRails(sysfsPath string, logger *slog.Logger) (*Rails, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rails{
		logger: logger.With("service", "ina3221"),
		rails:  make(map[string][]railInfo),
	}

	drivers := filepath.Join(sysfsPath, "bus", "i2c", "drivers")
	r.scanIna3221x(filepath.Join(drivers, "ina3221x"))
	r.scanIna3221(filepath.Join(drivers, "ina3221"))

	if len(r.rails) == 0 {
		return nil, fmt.Errorf("%w: no INA3221 power rails under %s", ErrNoDevice, drivers)
	}
	r.logger.Debug("Discovered power rails", "rails", r.Names())
	return r, nil
}

var iioDeviceDir = regexp.MustCompile(`^iio:device\d+$`)

// scanIna3221x walks <driver>/<bus-addr>/iio:deviceN/rail_name_{0,1,2}.
func (r *Rails) scanIna3221x(driver string) {
	for _, dev := range subdirs(driver, func(name string) bool { return strings.Contains(name, "-") }) {
		for _, iio := range subdirs(dev, iioDeviceDir.MatchString) {
			for ch := 0; ch < 3; ch++ {
				name, err := readString(filepath.Join(iio, fmt.Sprintf("rail_name_%d", ch)))
				if err != nil {
					// not every device exposes all channels
					continue
				}
				var interval time.Duration
				if ms, err := readUint(filepath.Join(iio, fmt.Sprintf("polling_delay_%d", ch))); err == nil {
					interval = time.Duration(ms) * time.Millisecond
				}
				r.add(railInfo{
					name:     name,
					kind:     railMilliwatts,
					paths:    []string{filepath.Join(iio, fmt.Sprintf("in_power%d_input", ch))},
					interval: interval,
				})
			}
		}
	}
}

var hwmonDir = regexp.MustCompile(`^hwmon\d+$`)

// scanIna3221 walks <driver>/<bus-addr>/hwmon/hwmonN/in{1,2,3}_label.
func (r *Rails) scanIna3221(driver string) {
	for _, dev := range subdirs(driver, func(name string) bool { return strings.Contains(name, "-") }) {
		for _, hw := range subdirs(filepath.Join(dev, "hwmon"), hwmonDir.MatchString) {
			var interval time.Duration
			if ms, err := readUint(filepath.Join(hw, "update_interval")); err == nil {
				interval = time.Duration(ms) * time.Millisecond
			}
			for ch := 1; ch <= 3; ch++ {
				name, err := readString(filepath.Join(hw, fmt.Sprintf("in%d_label", ch)))
				if err != nil || name == "NC" {
					continue
				}
				r.add(railInfo{
					name: name,
					kind: railVoltageCurrent,
					paths: []string{
						filepath.Join(hw, fmt.Sprintf("in%d_input", ch)),
						filepath.Join(hw, fmt.Sprintf("curr%d_input", ch)),
					},
					interval: interval,
				})
			}
		}
	}
}

func (r *Rails) add(info railInfo) {
	r.rails[info.name] = append(r.rails[info.name], info)
}

// Names returns the sorted names of every discovered rail.
func (r *Rails) Names() []string {
	names := make([]string, 0, len(r.rails))
	for n := range r.rails {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens every named rail or none of them.
func (r *Rails) Open(names []string) ([]*RailChannel, error) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return nil, fmt.Errorf("%w: %q requested twice", ErrDuplicateRail, n)
		}
		seen[n] = true
	}

	channels := make([]*RailChannel, 0, len(names))
	for _, n := range names {
		infos, ok := r.rails[n]
		if !ok {
			_ = CloseAll(channels)
			return nil, fmt.Errorf("%w: rail %q not found", ErrNoDevice, n)
		}
		if len(infos) > 1 {
			_ = CloseAll(channels)
			return nil, fmt.Errorf("%w: %q is exposed by %d sensors", ErrDuplicateRail, n, len(infos))
		}
		ch, err := openRail(infos[0])
		if err != nil {
			_ = CloseAll(channels)
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// OpenFirst opens the first of sets whose rails all exist, releasing any
// partially opened set before trying the next. It returns the chosen set.
func (r *Rails) OpenFirst(sets [][]string) ([]*RailChannel, []string, error) {
	var errs []error
	for _, set := range sets {
		channels, err := r.Open(set)
		if err == nil {
			return channels, set, nil
		}
		r.logger.Debug("Rail set not usable", "rails", set, "error", err)
		errs = append(errs, err)
	}
	return nil, nil, fmt.Errorf("%w: no default rail set found (%w); set the channel names explicitly",
		ErrNoDevice, errors.Join(errs...))
}

func openRail(info railInfo) (*RailChannel, error) {
	ch := &RailChannel{name: info.name, kind: info.kind, interval: info.interval}
	for _, p := range info.paths {
		f, err := os.Open(p)
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to open rail %s: %w", info.name, err)
		}
		ch.files = append(ch.files, f)
	}
	return ch, nil
}

// RailChannel reads one INA3221 rail through file descriptors held open for
// the lifetime of the channel.
type RailChannel struct {
	name     string
	kind     railKind
	files    []*os.File
	interval time.Duration
}

var _ PowerChannel = (*RailChannel)(nil)

func (c *RailChannel) Name() string {
	return c.name
}

// Interval is the sensor's own update interval, zero when unknown.
func (c *RailChannel) Interval() time.Duration {
	return c.interval
}

func (c *RailChannel) Power() (energy.Power, error) {
	if len(c.files) == 0 {
		return 0, fmt.Errorf("rail %s is closed", c.name)
	}
	switch c.kind {
	case railVoltageCurrent:
		mv, err := preadUint(c.files[0])
		if err != nil {
			return 0, err
		}
		ma, err := preadUint(c.files[1])
		if err != nil {
			return 0, err
		}
		// mV * mA = µW
		return energy.Power(mv * ma), nil
	default:
		mw, err := preadUint(c.files[0])
		if err != nil {
			return 0, err
		}
		return energy.Power(mw) * energy.MilliWatt, nil
	}
}

func (c *RailChannel) Close() error {
	var errs []error
	for _, f := range c.files {
		errs = append(errs, f.Close())
	}
	c.files = nil
	return errors.Join(errs...)
}

// preadUint rereads a sysfs attribute from offset 0 without reopening it.
func preadUint(f *os.File) (uint64, error) {
	buf := make([]byte, 32)
	n, err := unix.Pread(int(f.Fd()), buf, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(buf[:max(n, 0)])), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", f.Name(), err)
	}
	return v, nil
}

// subdirs lists the directories (or symlinks to them) in dir whose names
// match keep.
func subdirs(dir string, keep func(string) bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if !e.IsDir() && !isSymlink(p) {
			continue
		}
		if keep(e.Name()) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
