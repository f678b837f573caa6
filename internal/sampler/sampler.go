// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler runs the background loop that periodically reads a set of
// device channels and accumulates their energy into a single total.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energymon/internal/device"
	"github.com/sustainable-computing-io/energymon/internal/energy"
)

var (
	// ErrClockUnavailable is returned by Start when the monotonic clock
	// cannot be read
	ErrClockUnavailable = errors.New("monotonic clock unavailable")

	// ErrAlreadyStarted is returned by Start on a sampler that was started before
	ErrAlreadyStarted = errors.New("sampler already started")

	// ErrNotRunning is returned by Stop on a sampler that is not running
	ErrNotRunning = errors.New("sampler not running")
)

// State is the lifecycle state of a Sampler
type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sampler owns one goroutine that wakes every interval, reads every channel,
// and adds the tick's energy to a running total. Power channels are
// integrated over the time since their last successful sample; counter
// channels contribute their wrap-corrected difference.
//
// Accumulator state is only touched by the sampling goroutine. The total is
// published atomically once per tick so readers never see a partial sum.
type Sampler struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	interval time.Duration
	onTick   func(energy.Energy)

	channels    []device.Channel
	integrators []energy.Integrator
	counters    []*energy.Counter

	state    atomic.Int32
	total    atomic.Uint64
	ticks    atomic.Uint64
	failures atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a sampler over channels. Every channel must be a
// device.PowerChannel or a device.CounterChannel.
func New(channels []device.Channel, applyOpts ...OptionFn) (*Sampler, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if opts.interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %s", opts.interval)
	}
	if len(channels) == 0 {
		return nil, errors.New("no channels to sample")
	}

	s := &Sampler{
		logger:      opts.logger.With("service", "sampler"),
		clock:       opts.clock,
		interval:    opts.interval,
		onTick:      opts.onTick,
		channels:    channels,
		integrators: make([]energy.Integrator, len(channels)),
		counters:    make([]*energy.Counter, len(channels)),
		done:        make(chan struct{}),
	}

	for i, ch := range channels {
		switch c := ch.(type) {
		case device.PowerChannel:
		case device.CounterChannel:
			s.counters[i] = energy.NewCounter(c.MaxEnergy())
		default:
			return nil, fmt.Errorf("channel %s reports neither power nor energy", ch.Name())
		}
	}
	return s, nil
}

// Interval returns the time between samples
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// State returns the current lifecycle state
func (s *Sampler) State() State {
	return State(s.state.Load())
}

// Total returns the energy accumulated since Start
func (s *Sampler) Total() energy.Energy {
	return energy.Energy(s.total.Load())
}

// Ticks returns the number of completed sampling ticks
func (s *Sampler) Ticks() uint64 {
	return s.ticks.Load()
}

// Failures returns the number of failed channel reads
func (s *Sampler) Failures() uint64 {
	return s.failures.Load()
}

// Start takes the initial baselines and launches the sampling goroutine.
func (s *Sampler) Start() error {
	if !s.state.CompareAndSwap(int32(Created), int32(Running)) {
		return ErrAlreadyStarted
	}

	now := s.clock.Now()
	if now.IsZero() {
		s.state.Store(int32(Stopped))
		close(s.done)
		return ErrClockUnavailable
	}

	for i, ch := range s.channels {
		switch c := ch.(type) {
		case device.PowerChannel:
			s.integrators[i].Prime(now)
		case device.CounterChannel:
			// a failed first read leaves the counter unprimed; the first
			// successful read in the loop becomes the baseline instead
			if e, err := c.Energy(); err == nil {
				s.counters[i].Update(e)
			} else {
				s.logger.Debug("Initial counter read failed", "channel", ch.Name(), "error", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("Sampling started", "channels", len(s.channels), "interval", s.interval)
	go s.loop(ctx)
	return nil
}

// Stop signals the sampling goroutine and waits for it to exit. It returns
// once no further update to the total can happen.
func (s *Sampler) Stop() error {
	if !s.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrNotRunning
	}
	s.cancel()
	<-s.done
	s.state.Store(int32(Stopped))
	s.logger.Info("Sampling stopped", "ticks", s.Ticks(), "total", s.Total())
	return nil
}

// Done is closed when the sampling goroutine has exited.
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.sleep(ctx) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.tick(s.clock.Now())
	}
}

// sleep waits for one interval and reports false if cancelled first.
func (s *Sampler) sleep(ctx context.Context) bool {
	timer := s.clock.NewTimer(s.interval)
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

func (s *Sampler) tick(now time.Time) {
	var sum energy.Energy
	failed := 0

	for i, ch := range s.channels {
		switch c := ch.(type) {
		case device.PowerChannel:
			p, err := c.Power()
			if err != nil {
				s.logger.Debug("Skipping power sample", "channel", ch.Name(), "error", err)
				failed++
				continue
			}
			sum += s.integrators[i].Integrate(p, now)

		case device.CounterChannel:
			e, err := c.Energy()
			if err != nil {
				s.logger.Debug("Skipping energy sample", "channel", ch.Name(), "error", err)
				failed++
				continue
			}
			sum += s.counters[i].Update(e)
		}
	}

	if failed > 0 {
		s.failures.Add(uint64(failed))
		if failed == len(s.channels) {
			s.logger.Warn("All channel reads failed", "channels", len(s.channels))
		}
	}

	total := energy.Energy(s.total.Add(uint64(sum)))
	s.ticks.Add(1)
	if s.onTick != nil {
		s.onTick(total)
	}
}
