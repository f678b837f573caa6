// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/energymon/config"
	"github.com/sustainable-computing-io/energymon/internal/energymon"
)

// ReadingProvider reads the cumulative energy of the configured source
type ReadingProvider interface {
	Snapshot() (energymon.Reading, error)
}

// EnergyCollector exposes the cumulative energy total of the energy source.
// Every scrape reads the source; the metric groups published are selected by
// the metrics level.
type EnergyCollector struct {
	logger   *slog.Logger
	readings ReadingProvider
	level    config.Level

	readErrors atomic.Uint64

	energyDesc    *prom.Desc
	sourceDesc    *prom.Desc
	intervalDesc  *prom.Desc
	precisionDesc *prom.Desc
	errorsDesc    *prom.Desc
}

var _ prom.Collector = (*EnergyCollector)(nil)

// NewEnergyCollector creates a collector for the readings. A non-empty node
// name is added to every metric as the node label.
func NewEnergyCollector(readings ReadingProvider, nodeName string, logger *slog.Logger, level config.Level) *EnergyCollector {
	var constLabels prom.Labels
	if nodeName != "" {
		constLabels = prom.Labels{"node": nodeName}
	}
	desc := func(subsystem, name, help string, labels ...string) *prom.Desc {
		return prom.NewDesc(prom.BuildFQName(namespace, subsystem, name), help, labels, constLabels)
	}

	return &EnergyCollector{
		logger:   logger.With("collector", "energy"),
		readings: readings,
		level:    level,

		energyDesc:    desc("", "energy_joules_total", "Energy consumed since the energy monitor was initialized", "source"),
		sourceDesc:    desc("source", "info", "A metric with a constant '1' value labeled with the energy source", "source"),
		intervalDesc:  desc("sampling", "interval_seconds", "Interval at which the energy source is sampled or refreshed", "source"),
		precisionDesc: desc("sampling", "precision_joules", "Smallest energy increment the source can report", "source"),
		errorsDesc:    desc("", "read_errors_total", "Scrapes that failed to read the energy source"),
	}
}

func (c *EnergyCollector) Describe(ch chan<- *prom.Desc) {
	if c.level.IsEnergyEnabled() {
		ch <- c.energyDesc
	}
	if c.level.IsSourceEnabled() {
		ch <- c.sourceDesc
	}
	if c.level.IsSamplingEnabled() {
		ch <- c.intervalDesc
		ch <- c.precisionDesc
	}
	ch <- c.errorsDesc
}

func (c *EnergyCollector) Collect(ch chan<- prom.Metric) {
	defer func() {
		ch <- prom.MustNewConstMetric(c.errorsDesc, prom.CounterValue, float64(c.readErrors.Load()))
	}()

	reading, err := c.readings.Snapshot()
	if err != nil {
		c.readErrors.Add(1)
		c.logger.Debug("Failed to read energy source", "error", err)
		return
	}

	source := reading.Source
	if c.level.IsEnergyEnabled() {
		ch <- prom.MustNewConstMetric(c.energyDesc, prom.CounterValue, reading.Total.Joules(), source)
	}
	if c.level.IsSourceEnabled() {
		ch <- prom.MustNewConstMetric(c.sourceDesc, prom.GaugeValue, 1, source)
	}
	if c.level.IsSamplingEnabled() {
		ch <- prom.MustNewConstMetric(c.intervalDesc, prom.GaugeValue, reading.Interval.Seconds(), source)
		ch <- prom.MustNewConstMetric(c.precisionDesc, prom.GaugeValue, reading.Precision.Joules(), source)
	}
}
