// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/sustainable-computing-io/energymon/internal/energy"
	"github.com/sustainable-computing-io/energymon/internal/energymon"
	"github.com/sustainable-computing-io/energymon/internal/service"
)

type Runner = service.Runner

// Monitor publishes readings and signals each new one on DataChannel
type Monitor interface {
	Last() energymon.Reading
	DataChannel() <-chan struct{}
}

// Exporter prints every new reading to stdout as a table
type Exporter struct {
	logger  *slog.Logger
	monitor Monitor
	out     io.Writer

	prev energymon.Reading
}

var _ Runner = (*Exporter)(nil)

type Opts struct {
	logger *slog.Logger
	out    io.Writer
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
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

func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func NewExporter(pm Monitor, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:  opts.logger.With("service", "stdout"),
		monitor: pm,
		out:     opts.out,
	}
}

func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.monitor.DataChannel():
			reading := e.monitor.Last()
			Write(e.out, e.prev, reading)
			e.prev = reading
		case <-ctx.Done():
			e.logger.Info("Exiting stdout exporter")
			return nil
		}
	}
}

// Write renders reading as a table. The average power column is computed
// against prev and left empty when prev is the zero Reading.
func Write(out io.Writer, prev, reading energymon.Reading) {
	power := "-"
	if !prev.Timestamp.IsZero() && reading.Timestamp.After(prev.Timestamp) && reading.Total >= prev.Total {
		p := energy.Power(float64(reading.Total-prev.Total) / reading.Timestamp.Sub(prev.Timestamp).Seconds())
		power = fmt.Sprintf("%.2fW", p.Watts())
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Source", "Energy(J)", "Power(W)", "Interval", "Precision(J)"})
	_ = table.Bulk([][]string{{
		reading.Source,
		fmt.Sprintf("%.6fJ", reading.Total.Joules()),
		power,
		reading.Interval.String(),
		fmt.Sprintf("%gJ", reading.Precision.Joules()),
	}})
	_ = table.Render()
}
