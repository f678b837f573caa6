// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// gen-metric-docs writes a Markdown reference of every metric the
// Prometheus exporter can serve.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/energymon/config"
	"github.com/sustainable-computing-io/energymon/internal/energymon"
	"github.com/sustainable-computing-io/energymon/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/energymon/internal/logger"
)

// MetricInfo holds information about a Prometheus metric
type MetricInfo struct {
	Name        string
	Type        string
	Description string
	Labels      []string
	ConstLabels map[string]string
}

// section groups metrics that share a name prefix.
type section struct {
	title  string
	intro  string
	prefix string
}

var sections = []section{{
	title:  "Energy Metrics",
	intro:  "Energy accumulated by the configured energy source.",
	prefix: "energymon_energy_",
}, {
	title:  "Source Metrics",
	intro:  "Identity of the energy source in use.",
	prefix: "energymon_source_",
}, {
	title:  "Sampling Metrics",
	intro:  "How often the energy source is read and how fine its readings are.",
	prefix: "energymon_sampling_",
}, {
	title:  "Node Metrics",
	intro:  "Hardware of the node the monitor runs on.",
	prefix: "energymon_node_",
}}

// nopReadings satisfies collector.ReadingProvider; only descriptors are used.
type nopReadings struct{}

func (nopReadings) Snapshot() (energymon.Reading, error) {
	return energymon.Reading{}, nil
}

var (
	fqNameRegex         = regexp.MustCompile(`fqName: "([^"]+)"`)
	helpRegex           = regexp.MustCompile(`help: "([^"]+)"`)
	variableLabelsRegex = regexp.MustCompile(`variableLabels: \{([^}]*)\}`)
	constLabelsRegex    = regexp.MustCompile(`constLabels: \{([^}]*)\}`)
	labelPairRegex      = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// extractMetricsInfo extracts metric information from a Prometheus collector
func extractMetricsInfo(c prometheus.Collector) ([]MetricInfo, error) {
	ch := make(chan *prometheus.Desc, 100)
	c.Describe(ch)
	close(ch)

	var metrics []MetricInfo
	for desc := range ch {
		descStr := desc.String()
		name := fqNameRegex.FindStringSubmatch(descStr)
		if len(name) < 2 {
			return nil, fmt.Errorf("could not parse fqName from %s", descStr)
		}
		help := helpRegex.FindStringSubmatch(descStr)
		if len(help) < 2 {
			return nil, fmt.Errorf("could not parse help from %s", descStr)
		}

		var labels []string
		if m := variableLabelsRegex.FindStringSubmatch(descStr); len(m) >= 2 && m[1] != "" {
			for _, l := range strings.Split(m[1], ",") {
				labels = append(labels, strings.TrimSpace(l))
			}
		}

		constLabels := make(map[string]string)
		if m := constLabelsRegex.FindStringSubmatch(descStr); len(m) >= 2 && m[1] != "" {
			for _, pair := range labelPairRegex.FindAllStringSubmatch(m[1], -1) {
				constLabels[pair[1]] = pair[2]
			}
		}

		metricType := "GAUGE"
		if strings.HasSuffix(name[1], "_total") {
			metricType = "COUNTER"
		}

		metrics = append(metrics, MetricInfo{
			Name:        name[1],
			Type:        metricType,
			Description: help[1],
			Labels:      labels,
			ConstLabels: constLabels,
		})
	}
	return metrics, nil
}

// generateMarkdown renders metrics grouped into sections, sorted by name.
func generateMarkdown(metrics []MetricInfo) string {
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	var md strings.Builder
	md.WriteString("# Energymon Metrics\n\n")
	md.WriteString("Metrics served on `/metrics` by the Prometheus exporter. ")
	md.WriteString("Use `--metrics` to select the groups that are exported.\n\n")
	md.WriteString("### Metric Types\n\n")
	md.WriteString("- **COUNTER**: A cumulative metric that only increases over time\n")
	md.WriteString("- **GAUGE**: A metric that can increase and decrease\n\n")
	md.WriteString("## Metrics Reference\n\n")

	grouped := make([][]MetricInfo, len(sections))
	var other []MetricInfo
	for _, m := range metrics {
		placed := false
		for i, s := range sections {
			if strings.HasPrefix(m.Name, s.prefix) {
				grouped[i] = append(grouped[i], m)
				placed = true
				break
			}
		}
		if !placed {
			other = append(other, m)
		}
	}

	for i, s := range sections {
		if len(grouped[i]) == 0 {
			continue
		}
		fmt.Fprintf(&md, "### %s\n\n%s\n\n", s.title, s.intro)
		writeMetricsSection(&md, grouped[i])
	}
	if len(other) > 0 {
		md.WriteString("### Other Metrics\n\n")
		writeMetricsSection(&md, other)
	}

	md.WriteString("---\n\n")
	md.WriteString("This documentation was automatically generated by the gen-metric-docs tool.\n")
	return md.String()
}

// writeMetricsSection writes a section of metrics to the markdown builder
func writeMetricsSection(md *strings.Builder, metrics []MetricInfo) {
	for _, metric := range metrics {
		fmt.Fprintf(md, "#### %s\n\n", metric.Name)
		fmt.Fprintf(md, "- **Type**: %s\n", metric.Type)
		fmt.Fprintf(md, "- **Description**: %s\n", metric.Description)
		if len(metric.Labels) > 0 {
			md.WriteString("- **Labels**:\n")
			for _, label := range metric.Labels {
				fmt.Fprintf(md, "  - `%s`\n", label)
			}
		}
		if len(metric.ConstLabels) > 0 {
			md.WriteString("- **Constant Labels**:\n")
			keys := make([]string, 0, len(metric.ConstLabels))
			for key := range metric.ConstLabels {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(md, "  - `%s`\n", key)
			}
		}
		md.WriteString("\n")
	}
}

// collectors returns every collector the exporter can register, with all
// metric groups enabled.
func collectors(procPath string, log *slog.Logger) []prometheus.Collector {
	cs := []prometheus.Collector{
		collector.NewEnergyCollector(nopReadings{}, "node", log, config.MetricsLevelAll),
		collector.NewBuildInfoCollector(),
	}
	if cpuInfo, err := collector.NewCPUInfoCollector(procPath); err != nil {
		log.Warn("Skipping cpu info metrics", "error", err)
	} else {
		cs = append(cs, cpuInfo)
	}
	return cs
}

func generate(output, procPath string, log *slog.Logger) error {
	var all []MetricInfo
	for _, c := range collectors(procPath, log) {
		metrics, err := extractMetricsInfo(c)
		if err != nil {
			return err
		}
		all = append(all, metrics...)
	}
	log.Info("Extracted metrics", "count", len(all))

	if dir := filepath.Dir(output); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(output, []byte(generateMarkdown(all)), 0o644); err != nil {
		return fmt.Errorf("failed to write markdown file: %w", err)
	}
	log.Info("Metrics documentation written", "path", output)
	return nil
}

func main() {
	app := kingpin.New("gen-metric-docs", "Generate the metrics reference")
	output := app.Flag("output", "Path to output Markdown file").Default("docs/metrics.md").String()
	procPath := app.Flag("procfs", "procfs mount used to discover cpu metrics").Default("/proc").String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	if err := generate(*output, *procPath, log); err != nil {
		log.Error("Failed to generate metrics documentation", "error", err)
		os.Exit(1)
	}
}
