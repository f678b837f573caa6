// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// Reading is a point in time view of a monitor
type Reading struct {
	Timestamp time.Time
	Total     energy.Energy
	Source    string
	Interval  time.Duration
	Precision energy.Energy
}

// Service runs a Monitor for the lifetime of the process and publishes its
// total to exporters.
type Service struct {
	logger  *slog.Logger
	monitor Monitor
	clock   clock.WithTicker
	refresh time.Duration

	mu     sync.RWMutex
	last   Reading
	dataCh chan struct{}
}

type ServiceOptionFn func(*Service)

// WithServiceLogger sets the logger
func WithServiceLogger(logger *slog.Logger) ServiceOptionFn {
	return func(s *Service) {
		s.logger = logger.With("service", "energymon")
	}
}

// WithServiceClock sets the clock driving refreshes
func WithServiceClock(c clock.WithTicker) ServiceOptionFn {
	return func(s *Service) {
		s.clock = c
	}
}

// WithRefreshInterval sets how often Run reads the monitor and notifies
// subscribers
func WithRefreshInterval(d time.Duration) ServiceOptionFn {
	return func(s *Service) {
		s.refresh = d
	}
}

func NewService(m Monitor, opts ...ServiceOptionFn) *Service {
	s := &Service{
		logger:  slog.Default().With("service", "energymon"),
		monitor: m,
		clock:   clock.RealClock{},
		refresh: 5 * time.Second,
		dataCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "energymon"
}

// Init initializes the monitor
func (s *Service) Init() error {
	if err := s.monitor.Init(); err != nil {
		return err
	}
	s.logger.Info("Energy source ready",
		"source", s.monitor.Source(),
		"exclusive", s.monitor.Exclusive())
	return nil
}

// Run refreshes the reading every refresh interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		if _, err := s.Snapshot(); err != nil {
			s.logger.Warn("Failed to read energy", "error", err)
		} else {
			s.signalNewData()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Shutdown finishes the monitor
func (s *Service) Shutdown() error {
	s.logger.Info("Finishing energy monitor")
	return s.monitor.Finish()
}

// Monitor returns the underlying monitor
func (s *Service) Monitor() Monitor {
	return s.monitor
}

// Snapshot reads the monitor and returns the reading. It does not block the
// sampler.
func (s *Service) Snapshot() (Reading, error) {
	total, err := s.monitor.ReadTotal()
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		Timestamp: s.clock.Now(),
		Total:     energy.Energy(total),
		Source:    s.monitor.Source(),
	}
	if us, err := s.monitor.Interval(); err == nil {
		r.Interval = time.Duration(us) * time.Microsecond
	}
	if p, err := s.monitor.Precision(); err == nil {
		r.Precision = energy.Energy(p)
	}

	s.mu.Lock()
	// concurrent snapshots may complete out of order
	if r.Total >= s.last.Total {
		s.last = r
	}
	r = s.last
	s.mu.Unlock()
	return r, nil
}

// Last returns the most recent reading without touching the monitor
func (s *Service) Last() Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// DataChannel is signalled after every successful refresh
func (s *Service) DataChannel() <-chan struct{} {
	return s.dataCh
}

func (s *Service) signalNewData() {
	select {
	case s.dataCh <- struct{}{}:
	default:
	}
}
