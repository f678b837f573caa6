// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sustainable-computing-io/energymon/internal/device"
	"github.com/sustainable-computing-io/energymon/internal/energy"
	"github.com/sustainable-computing-io/energymon/internal/sampler"
)

// backend binds a monitor to one energy source.
type backend struct {
	kind      Kind
	source    string
	exclusive bool
	env       envNames

	// interval and precision are fixed when non-zero, otherwise they are
	// known once the monitor is active
	interval  time.Duration
	precision uint64

	// open discovers and opens the channels. It must release everything it
	// opened when it fails.
	open func(s settings) (*discovery, error)
}

// discovery is what a backend found when opening its channels
type discovery struct {
	channels []device.Channel
	// interval is the sampling interval of polling monitors
	interval time.Duration
	// source replaces the backend's label when set
	source string
}

func (b *backend) intervalOf(active bool, d time.Duration) (uint64, error) {
	if b.interval > 0 {
		return uint64(b.interval.Microseconds()), nil
	}
	if !active {
		return 0, ErrNotInitialized
	}
	return uint64(d.Microseconds()), nil
}

func (b *backend) precisionOf(active bool, d time.Duration) (uint64, error) {
	if b.precision > 0 {
		return b.precision, nil
	}
	if !active {
		return 0, ErrNotInitialized
	}
	return powerPrecision(d), nil
}

// powerPrecision is the energy of 1 mW held for one interval, at least 1 µJ.
func powerPrecision(d time.Duration) uint64 {
	p := uint64(d.Microseconds()) / 1000
	return max(p, 1)
}

func channelNames[C device.Channel](channels []C) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name()
	}
	return names
}

// pollingMonitor samples its channels on a background goroutine.
type pollingMonitor struct {
	logger *slog.Logger
	opts   Opts
	b      backend

	mu     sync.RWMutex
	active *pollingState
}

type pollingState struct {
	sampler  *sampler.Sampler
	channels []device.Channel
	interval time.Duration
	source   string
}

var _ Monitor = (*pollingMonitor)(nil)

func newPollingMonitor(b backend, opts Opts) *pollingMonitor {
	return &pollingMonitor{
		logger: opts.logger.With("service", "energymon", "monitor", b.kind.String()),
		opts:   opts,
		b:      b,
	}
}

func (m *pollingMonitor) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return ErrAlreadyInitialized
	}

	s, err := m.opts.settings(m.b.env)
	if err != nil {
		return err
	}

	d, err := m.b.open(s)
	if err != nil {
		return fmt.Errorf("%s: %w", m.b.kind, err)
	}
	if d.interval <= 0 {
		return errors.Join(
			fmt.Errorf("%w: %s: no sampling interval", ErrInvalidConfig, m.b.kind),
			device.CloseAll(d.channels))
	}

	smp, err := sampler.New(d.channels,
		sampler.WithClock(m.opts.clock),
		sampler.WithInterval(d.interval),
		sampler.WithLogger(m.logger),
	)
	if err != nil {
		return errors.Join(err, device.CloseAll(d.channels))
	}
	if err := smp.Start(); err != nil {
		return errors.Join(err, device.CloseAll(d.channels))
	}

	m.active = &pollingState{
		sampler:  smp,
		channels: d.channels,
		interval: d.interval,
		source:   d.source,
	}
	m.logger.Info("Energy monitor initialized",
		"source", m.source(),
		"channels", channelNames(d.channels),
		"interval", d.interval)
	return nil
}

func (m *pollingMonitor) ReadTotal() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return 0, ErrNotInitialized
	}
	return m.active.sampler.Total().MicroJoules(), nil
}

func (m *pollingMonitor) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNotInitialized
	}
	state := m.active
	m.active = nil

	// the sampler must be joined before the channels it reads are closed
	var errs []error
	if err := state.sampler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop sampler: %w", err))
	}
	if err := device.CloseAll(state.channels); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("Energy monitor finished",
		"total", state.sampler.Total(),
		"ticks", state.sampler.Ticks(),
		"failures", state.sampler.Failures())
	return errors.Join(errs...)
}

func (m *pollingMonitor) Source() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source()
}

func (m *pollingMonitor) source() string {
	if m.active != nil && m.active.source != "" {
		return m.active.source
	}
	return m.b.source
}

func (m *pollingMonitor) Interval() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return m.b.intervalOf(false, 0)
	}
	return m.b.intervalOf(true, m.active.interval)
}

func (m *pollingMonitor) Precision() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return m.b.precisionOf(false, 0)
	}
	return m.b.precisionOf(true, m.active.interval)
}

func (m *pollingMonitor) Exclusive() bool {
	return m.b.exclusive
}

// directMonitor reads its counters on every ReadTotal. Concurrent readers
// share one read of the hardware.
type directMonitor struct {
	logger *slog.Logger
	opts   Opts
	b      backend

	group  singleflight.Group
	mu     sync.Mutex
	active *directState
}

type directState struct {
	channels []device.CounterChannel
	counters map[string]*energy.Counter
	total    energy.Energy
	source   string
}

var _ Monitor = (*directMonitor)(nil)

func newDirectMonitor(b backend, opts Opts) *directMonitor {
	return &directMonitor{
		logger: opts.logger.With("service", "energymon", "monitor", b.kind.String()),
		opts:   opts,
		b:      b,
	}
}

func (m *directMonitor) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return ErrAlreadyInitialized
	}

	s, err := m.opts.settings(m.b.env)
	if err != nil {
		return err
	}

	d, err := m.b.open(s)
	if err != nil {
		return fmt.Errorf("%s: %w", m.b.kind, err)
	}

	state := &directState{
		channels: make([]device.CounterChannel, 0, len(d.channels)),
		counters: make(map[string]*energy.Counter, len(d.channels)),
		source:   d.source,
	}
	for _, ch := range d.channels {
		c, ok := ch.(device.CounterChannel)
		if !ok {
			return errors.Join(
				fmt.Errorf("channel %s does not report energy", ch.Name()),
				device.CloseAll(d.channels))
		}
		if _, dup := state.counters[c.Name()]; dup {
			return errors.Join(
				fmt.Errorf("%w: %q discovered twice", ErrDuplicateChannel, c.Name()),
				device.CloseAll(d.channels))
		}

		counter := energy.NewCounter(c.MaxEnergy())
		e, err := c.Energy()
		if err != nil {
			return errors.Join(
				fmt.Errorf("failed initial read of %s: %w", c.Name(), err),
				device.CloseAll(d.channels))
		}
		counter.Update(e)

		state.counters[c.Name()] = counter
		state.channels = append(state.channels, c)
	}

	m.active = state
	m.logger.Info("Energy monitor initialized",
		"source", m.source(),
		"channels", channelNames(state.channels))
	return nil
}

func (m *directMonitor) ReadTotal() (uint64, error) {
	v, err, _ := m.group.Do("read", func() (any, error) {
		return m.read()
	})
	if err != nil {
		return 0, err
	}
	return v.(energy.Energy).MicroJoules(), nil
}

func (m *directMonitor) read() (energy.Energy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.active
	if state == nil {
		return 0, ErrNotInitialized
	}

	var errs []error
	for _, ch := range state.channels {
		e, err := ch.Energy()
		if err != nil {
			m.logger.Debug("Skipping energy read", "channel", ch.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		state.total += state.counters[ch.Name()].Update(e)
	}

	if len(state.channels) > 0 && len(errs) == len(state.channels) {
		return 0, fmt.Errorf("failed to read any channel: %w", errors.Join(errs...))
	}
	return state.total, nil
}

func (m *directMonitor) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNotInitialized
	}
	state := m.active
	m.active = nil

	err := device.CloseAll(state.channels)
	m.logger.Info("Energy monitor finished", "total", state.total)
	return err
}

func (m *directMonitor) Source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source()
}

func (m *directMonitor) source() string {
	if m.active != nil && m.active.source != "" {
		return m.active.source
	}
	return m.b.source
}

func (m *directMonitor) Interval() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.b.intervalOf(m.active != nil, 0)
}

func (m *directMonitor) Precision() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.b.precisionOf(m.active != nil, 0)
}

func (m *directMonitor) Exclusive() bool {
	return m.b.exclusive
}
