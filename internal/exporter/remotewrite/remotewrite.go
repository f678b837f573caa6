// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package remotewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/eryajf/promwrite"

	"github.com/sustainable-computing-io/energymon/internal/energymon"
	"github.com/sustainable-computing-io/energymon/internal/service"
)

const namespace = "energymon"

// Monitor publishes readings and signals each new one on DataChannel
type Monitor interface {
	Last() energymon.Reading
	DataChannel() <-chan struct{}
}

// Exporter pushes every new reading to a Prometheus remote-write endpoint
type Exporter struct {
	logger   *slog.Logger
	monitor  Monitor
	endpoint string
	timeout  time.Duration
	labels   map[string]string

	client *promwrite.Client
	sent   time.Time
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Runner      = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	timeout  time.Duration
	nodeName string
	labels   map[string]string
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:  slog.Default(),
		timeout: 10 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithTimeout bounds each write request
func WithTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.timeout = d
	}
}

// WithNodeName adds a node label to every series
func WithNodeName(name string) OptionFn {
	return func(o *Opts) {
		o.nodeName = name
	}
}

// WithLabels adds constant labels to every series
func WithLabels(labels map[string]string) OptionFn {
	return func(o *Opts) {
		o.labels = labels
	}
}

// NewExporter creates a remote-write exporter for endpoint
func NewExporter(pm Monitor, endpoint string, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	labels := make(map[string]string, len(opts.labels)+1)
	for k, v := range opts.labels {
		labels[k] = v
	}
	if opts.nodeName != "" {
		labels["node"] = opts.nodeName
	}

	return &Exporter{
		logger:   opts.logger.With("service", "remote-write"),
		monitor:  pm,
		endpoint: endpoint,
		timeout:  opts.timeout,
		labels:   labels,
	}
}

func (e *Exporter) Name() string {
	return "remote-write"
}

func (e *Exporter) Init() error {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return fmt.Errorf("invalid remote write url %q: %w", e.endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid remote write url %q: scheme must be http or https", e.endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid remote write url %q: missing host", e.endpoint)
	}

	e.client = promwrite.NewClient(e.endpoint)
	e.logger.Info("Remote write exporter initialized", "endpoint", e.endpoint)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("Running remote write exporter")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.monitor.DataChannel():
			if err := e.push(ctx, e.monitor.Last()); err != nil {
				e.logger.Warn("Failed to push reading", "error", err)
			}
		}
	}
}

// push writes reading unless it was already sent.
func (e *Exporter) push(ctx context.Context, reading energymon.Reading) error {
	if e.client == nil {
		return errors.New("remote write client not initialized")
	}
	if reading.Timestamp.IsZero() || !reading.Timestamp.After(e.sent) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if _, err := e.client.Write(ctx, &promwrite.WriteRequest{TimeSeries: e.series(reading)}); err != nil {
		return fmt.Errorf("writing time series failed: %w", err)
	}
	e.sent = reading.Timestamp
	e.logger.Debug("Pushed reading", "total", reading.Total, "source", reading.Source)
	return nil
}

// series converts a reading into remote-write samples. Labels are sorted by
// name as the remote-write protocol requires.
func (e *Exporter) series(r energymon.Reading) []promwrite.TimeSeries {
	sample := func(name string, value float64) promwrite.TimeSeries {
		labels := make([]promwrite.Label, 0, len(e.labels)+2)
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: namespace + "_" + name},
			promwrite.Label{Name: "source", Value: r.Source},
		)
		for k, v := range e.labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		return promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{Time: r.Timestamp, Value: value},
		}
	}

	return []promwrite.TimeSeries{
		sample("energy_joules_total", r.Total.Joules()),
		sample("sampling_interval_seconds", r.Interval.Seconds()),
		sample("sampling_precision_joules", r.Precision.Joules()),
	}
}
