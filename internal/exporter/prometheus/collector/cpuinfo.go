// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// procFS is an interface for CPUInfo.
type procFS interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

// cpuInfoCollector reports the number of logical CPUs per physical package
// and model. It lets dashboards relate the energy total to the hardware the
// source measures.
type cpuInfoCollector struct {
	sync.Mutex
	fs   procFS
	desc *prom.Desc
}

// NewCPUInfoCollector creates a CPUInfoCollector using a procfs mount path.
func NewCPUInfoCollector(procPath string) (*cpuInfoCollector, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("creating procfs failed: %w", err)
	}
	return newCPUInfoCollectorWithFS(fs), nil
}

// newCPUInfoCollectorWithFS injects a procFS interface
func newCPUInfoCollectorWithFS(fs procFS) *cpuInfoCollector {
	return &cpuInfoCollector{
		fs: fs,
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "node", "cpus"),
			"Number of logical CPUs per physical package and model",
			[]string{"physical_id", "vendor_id", "model_name"},
			nil,
		),
	}
}

func (c *cpuInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *cpuInfoCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	cpuInfos, err := c.fs.CPUInfo()
	if err != nil {
		return
	}

	type key struct{ physicalID, vendor, model string }
	counts := map[key]int{}
	var order []key
	for _, ci := range cpuInfos {
		k := key{ci.PhysicalID, ci.VendorID, ci.ModelName}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
	}

	for _, k := range order {
		ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, float64(counts[k]),
			k.physicalID, k.vendor, k.model)
	}
}
