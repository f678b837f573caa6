// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// Hwmon discovers power sensors (power*_input / power*_average) exposed
// under /sys/class/hwmon.
type Hwmon struct {
	basePath string
	logger   *slog.Logger
	filter   []string
}

type HwmonOptionFn func(*Hwmon)

// WithHwmonLogger sets the logger for Hwmon
func WithHwmonLogger(logger *slog.Logger) HwmonOptionFn {
	return func(h *Hwmon) {
		h.logger = logger.With("service", "hwmon")
	}
}

// WithHwmonFilter restricts discovery to sensors with the given names,
// compared case-insensitively.
func WithHwmonFilter(names []string) HwmonOptionFn {
	return func(h *Hwmon) {
		h.filter = names
	}
}

func NewHwmon(sysfsPath string, opts ...HwmonOptionFn) *Hwmon {
	h := &Hwmon{
		basePath: filepath.Join(sysfsPath, "class", "hwmon"),
		logger:   slog.Default().With("service", "hwmon"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Channels returns one channel per power sensor, sorted by name. Sensor
// names are made unique by suffixing the sensor index when chips collide.
func (h *Hwmon) Channels() ([]*HwmonChannel, error) {
	entries, err := os.ReadDir(h.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: hwmon not available: %w", ErrNoDevice, err)
		}
		return nil, fmt.Errorf("failed to read hwmon directory: %w", err)
	}

	var channels []*HwmonChannel
	for _, e := range entries {
		p := filepath.Join(h.basePath, e.Name())
		if !e.IsDir() && !isSymlink(p) {
			continue
		}
		found, err := h.discover(p)
		if err != nil {
			h.logger.Debug("Skipping hwmon device", "path", p, "error", err)
			continue
		}
		channels = append(channels, found...)
	}

	channels = h.filterChannels(channels)
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no hwmon power sensors found", ErrNoDevice)
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].name < channels[j].name })
	uniq := make(map[string]int)
	for _, ch := range channels {
		uniq[ch.name]++
	}
	for _, ch := range channels {
		if uniq[ch.name] > 1 {
			ch.name = fmt.Sprintf("%s_%s%d", ch.name, ch.chip, ch.index)
		}
	}
	return channels, nil
}

var powerSensorFile = regexp.MustCompile(`^power(\d+)_(.+)$`)

func (h *Hwmon) discover(hwmonPath string) ([]*HwmonChannel, error) {
	chip, err := chipName(hwmonPath)
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(hwmonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve power sensor files: %w", err)
	}

	sensors := make(map[int]map[string]string)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		m := powerSensorFile.FindStringSubmatch(f.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if sensors[n] == nil {
			sensors[n] = make(map[string]string)
		}
		sensors[n][m[2]] = f.Name()
	}

	var interval time.Duration
	if ms, err := readUint(filepath.Join(hwmonPath, "update_interval")); err == nil {
		interval = time.Duration(ms) * time.Millisecond
	}

	var channels []*HwmonChannel
	for n, props := range sensors {
		input, ok := props["average"]
		if !ok {
			if input, ok = props["input"]; !ok {
				continue
			}
		}
		name := fmt.Sprintf("%s_power%d", chip, n)
		if label, ok := props["label"]; ok {
			if l, err := readString(filepath.Join(hwmonPath, label)); err == nil && cleanMetricName(l) != "" {
				name = cleanMetricName(l)
			}
		}
		channels = append(channels, &HwmonChannel{
			name:     name,
			chip:     chip,
			index:    n,
			path:     filepath.Join(hwmonPath, input),
			interval: interval,
		})
	}
	return channels, nil
}

func (h *Hwmon) filterChannels(channels []*HwmonChannel) []*HwmonChannel {
	if len(h.filter) == 0 {
		return channels
	}
	wanted := make(map[string]bool, len(h.filter))
	for _, n := range h.filter {
		wanted[strings.ToLower(n)] = true
	}

	var included, excluded []string
	filtered := make([]*HwmonChannel, 0, len(channels))
	for _, ch := range channels {
		if !wanted[strings.ToLower(ch.name)] {
			excluded = append(excluded, ch.name)
			continue
		}
		filtered = append(filtered, ch)
		included = append(included, ch.name)
	}
	h.logger.Debug("Filtered hwmon sensors", "included", included, "excluded", excluded)
	return filtered
}

var invalidMetricChars = regexp.MustCompile("[^a-z0-9:_]")

func cleanMetricName(name string) string {
	lower := strings.ToLower(name)
	return strings.Trim(invalidMetricChars.ReplaceAllLiteralString(lower, "_"), "_")
}

// chipName prefers the name file and falls back to the directory name.
func chipName(hwmonPath string) (string, error) {
	if s, err := readString(filepath.Join(hwmonPath, "name")); err == nil {
		if n := cleanMetricName(s); n != "" {
			return n, nil
		}
	}
	realDir, err := filepath.EvalSymlinks(hwmonPath)
	if err != nil {
		return "", err
	}
	if n := cleanMetricName(filepath.Base(realDir)); n != "" {
		return n, nil
	}
	return "", fmt.Errorf("could not derive chip name for %s", hwmonPath)
}

// HwmonChannel reads a hwmon power sensor in microwatts.
type HwmonChannel struct {
	name     string
	chip     string
	index    int
	path     string
	interval time.Duration
}

var _ PowerChannel = (*HwmonChannel)(nil)

func (c *HwmonChannel) Name() string {
	return c.name
}

func (c *HwmonChannel) Path() string {
	return c.path
}

// Interval is the chip's update_interval, zero when not exposed.
func (c *HwmonChannel) Interval() time.Duration {
	return c.interval
}

func (c *HwmonChannel) Power() (energy.Power, error) {
	uw, err := readUint(c.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read power from %s: %w", c.path, err)
	}
	return energy.Power(uw) * energy.MicroWatt, nil
}

func (c *HwmonChannel) Close() error {
	return nil
}
