// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/energymon/internal/energymon"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS string `yaml:"sysfs"`
	}

	Monitor struct {
		Backend  string        `yaml:"backend"`  // energy source, see energymon.KindNames
		Interval time.Duration `yaml:"interval"` // sampling interval; 0 lets the source decide
		Channels []string      `yaml:"channels"` // channels to read; empty reads the source's default set
		Refresh  time.Duration `yaml:"refresh"`  // how often exporters see a new total
	}

	MSR struct {
		Enabled    *bool  `yaml:"enabled"`    // fall back to MSRs when powercap is unavailable
		Force      *bool  `yaml:"force"`      // read MSRs even when powercap is available
		DevicePath string `yaml:"devicePath"` // printf pattern taking the cpu number
	}

	Rapl struct {
		MSR MSR `yaml:"msr"`
	}

	OSP struct {
		Device string `yaml:"device"` // hidraw node; empty searches sysfs
	}

	Shmem struct {
		Path string `yaml:"path"`
	}

	Redfish struct {
		ConfigFile string        `yaml:"configFile"` // BMC connection file, see config/redfish
		NodeName   string        `yaml:"nodeName"`   // defaults to the hostname
		Timeout    time.Duration `yaml:"timeout"`
	}

	CPUModel struct {
		IdleWatts float64 `yaml:"idleWatts"`
		MaxWatts  float64 `yaml:"maxWatts"`
		Gamma     float64 `yaml:"gamma"`

		// Table is a CSV file of per-processor coefficients. When set it
		// replaces the coefficients above.
		Table string `yaml:"table"`
		Name  string `yaml:"name"` // processor to look up; detected when empty
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	RemoteWriteExporter struct {
		Enabled *bool             `yaml:"enabled"`
		URL     string            `yaml:"url"`
		Timeout time.Duration     `yaml:"timeout"`
		Labels  map[string]string `yaml:"labels"` // added to every series
	}

	Exporter struct {
		Stdout      StdoutExporter      `yaml:"stdout"`
		Prometheus  PrometheusExporter  `yaml:"prometheus"`
		RemoteWrite RemoteWriteExporter `yaml:"remoteWrite"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	// Development mode settings
	Dev struct {
		FakeMeter struct {
			Watts  float64 `yaml:"watts"`
			Jitter float64 `yaml:"jitter"`
		} `yaml:"fake-meter"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Monitor  Monitor  `yaml:"monitor"`
		Rapl     Rapl     `yaml:"rapl"`
		OSP      OSP      `yaml:"osp"`
		Shmem    Shmem    `yaml:"shmem"`
		Redfish  Redfish  `yaml:"redfish"`
		CPUModel CPUModel `yaml:"cpuModel"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
		Dev      Dev      `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// MetricsLevelValue is a kingpin.Value accumulating repeated --metrics flags
type MetricsLevelValue struct {
	level *Level
}

func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}
	// the first explicit value replaces the default
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}
	*m.level |= level
	return nil
}

func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag = "host.sysfs"

	MonitorBackendFlag  = "monitor.backend"
	MonitorIntervalFlag = "monitor.interval"
	MonitorChannelsFlag = "monitor.channel"
	MonitorRefreshFlag  = "monitor.refresh"

	RaplMSRFlag = "rapl.msr" // enables the MSR fallback

	OSPDeviceFlag = "osp.device"
	ShmemPathFlag = "shmem.path"

	RedfishConfigFlag   = "redfish.config-file"
	RedfishNodeNameFlag = "redfish.node-name"

	CPUModelTableFlag = "cpumodel.table"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	ExporterRemoteWriteURLFlag    = "exporter.remote-write.url"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS: "/sys",
		},
		Monitor: Monitor{
			Backend:  "default",
			Channels: []string{},
			Refresh:  5 * time.Second,
		},
		Rapl: Rapl{
			MSR: MSR{
				Enabled:    ptr.To(false),
				Force:      ptr.To(false),
				DevicePath: "/dev/cpu/%d/msr",
			},
		},
		Shmem: Shmem{
			Path: "/dev/shm/energymon",
		},
		Redfish: Redfish{
			Timeout: 5 * time.Second,
		},
		CPUModel: CPUModel{
			IdleWatts: 5,
			MaxWatts:  20,
			Gamma:     1.3,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
			RemoteWrite: RemoteWriteExporter{
				Enabled: ptr.To(false),
				Timeout: 10 * time.Second,
			},
		},
		Web: Web{
			ListenAddresses: []string{":28283"},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
	}
	cfg.Dev.FakeMeter.Watts = 10
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (cfg *Config, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that applies the flags that were explicitly set,
// so command line arguments override the config file
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()

	// monitor
	backend := app.Flag(MonitorBackendFlag, "Energy source: "+strings.Join(energymon.KindNames(), ", ")).
		Default("default").Enum(energymon.KindNames()...)
	interval := app.Flag(MonitorIntervalFlag, "Sampling interval of polling sources; 0 lets the source decide").
		Default("0s").Duration()
	channels := app.Flag(MonitorChannelsFlag, "Channel (rail, sensor or unit) to read; repeatable").Strings()
	refresh := app.Flag(MonitorRefreshFlag, "How often exporters receive a new total").Default("5s").Duration()

	raplMSR := app.Flag(RaplMSRFlag, "Fall back to reading RAPL MSRs when powercap is unavailable").Default("false").Bool()
	ospDevice := app.Flag(OSPDeviceFlag, "ODROID Smart Power hidraw device; empty to search").Default("").String()
	shmemPath := app.Flag(ShmemPathFlag, "File backing the shared memory energy feed").Default("/dev/shm/energymon").String()
	redfishConfig := app.Flag(RedfishConfigFlag, "Redfish BMC connection file").Default("").String()
	redfishNode := app.Flag(RedfishNodeNameFlag, "Node name to look up in the BMC connection file").Default("").String()
	cpuModelTable := app.Flag(CPUModelTableFlag, "CSV table of CPU power model coefficients").Default("").String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28283").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	remoteWriteURL := app.Flag(ExporterRemoteWriteURLFlag, "Push readings to this Prometheus remote-write URL").Default("").String()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metric groups to export ("+strings.Join(ValidLevels(), ",")+")").
		SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[MonitorBackendFlag] {
			cfg.Monitor.Backend = *backend
		}
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *interval
		}
		if flagsSet[MonitorChannelsFlag] {
			cfg.Monitor.Channels = *channels
		}
		if flagsSet[MonitorRefreshFlag] {
			cfg.Monitor.Refresh = *refresh
		}

		if flagsSet[RaplMSRFlag] {
			cfg.Rapl.MSR.Enabled = raplMSR
		}
		if flagsSet[OSPDeviceFlag] {
			cfg.OSP.Device = *ospDevice
		}
		if flagsSet[ShmemPathFlag] {
			cfg.Shmem.Path = *shmemPath
		}
		if flagsSet[RedfishConfigFlag] {
			cfg.Redfish.ConfigFile = *redfishConfig
		}
		if flagsSet[RedfishNodeNameFlag] {
			cfg.Redfish.NodeName = *redfishNode
		}
		if flagsSet[CPUModelTableFlag] {
			cfg.CPUModel.Table = *cpuModelTable
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}
		if flagsSet[ExporterRemoteWriteURLFlag] {
			cfg.Exporter.RemoteWrite.URL = *remoteWriteURL
			cfg.Exporter.RemoteWrite.Enabled = ptr.To(*remoteWriteURL != "")
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Monitor.Backend = strings.ToLower(strings.TrimSpace(c.Monitor.Backend))
	for i := range c.Monitor.Channels {
		c.Monitor.Channels[i] = strings.TrimSpace(c.Monitor.Channels[i])
	}
	c.Rapl.MSR.DevicePath = strings.TrimSpace(c.Rapl.MSR.DevicePath)
	c.OSP.Device = strings.TrimSpace(c.OSP.Device)
	c.Shmem.Path = strings.TrimSpace(c.Shmem.Path)
	c.Redfish.ConfigFile = strings.TrimSpace(c.Redfish.ConfigFile)
	c.Redfish.NodeName = strings.TrimSpace(c.Redfish.NodeName)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}
	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors and reports all of them
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}

	var errs []string
	{ // log
		validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLogLevels[c.Log.Level] {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
		validFormats := map[string]bool{"text": true, "json": true}
		if !validFormats[c.Log.Format] {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // host
		if !validationSkipped[SkipHostValidation] {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s", c.Host.SysFS, err.Error()))
			}
		}
	}

	kind, kindErr := energymon.ParseKind(c.Monitor.Backend)
	{ // monitor
		if kindErr != nil {
			errs = append(errs, fmt.Sprintf("invalid monitor backend: %s", c.Monitor.Backend))
		}
		if c.Monitor.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s can't be negative", c.Monitor.Interval))
		}
		if c.Monitor.Refresh <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor refresh: %s must be positive", c.Monitor.Refresh))
		}
		seen := make(map[string]bool, len(c.Monitor.Channels))
		for _, ch := range c.Monitor.Channels {
			if ch == "" {
				errs = append(errs, "monitor channel cannot be empty")
				continue
			}
			if seen[ch] {
				errs = append(errs, fmt.Sprintf("duplicate monitor channel: %s", ch))
			}
			seen[ch] = true
		}
	}

	{ // rapl
		if ptr.Deref(c.Rapl.MSR.Enabled, false) || ptr.Deref(c.Rapl.MSR.Force, false) {
			if !strings.Contains(c.Rapl.MSR.DevicePath, "%d") {
				errs = append(errs, fmt.Sprintf("invalid msr device path %q: must contain %%d", c.Rapl.MSR.DevicePath))
			}
		}
	}

	{ // redfish
		if kindErr == nil && kind == energymon.Redfish {
			if c.Redfish.ConfigFile == "" {
				errs = append(errs, fmt.Sprintf("%s not supplied but %s is redfish", RedfishConfigFlag, MonitorBackendFlag))
			} else if err := canReadFile(c.Redfish.ConfigFile); err != nil {
				errs = append(errs, fmt.Sprintf("unreadable redfish config file: %s", c.Redfish.ConfigFile))
			}
		}
		if c.Redfish.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("invalid redfish timeout: %s can't be negative", c.Redfish.Timeout))
		}
	}

	{ // cpu model
		m := c.CPUModel
		if m.IdleWatts < 0 || m.MaxWatts < m.IdleWatts || m.Gamma <= 0 {
			errs = append(errs, fmt.Sprintf("invalid cpu model: idle=%gW max=%gW gamma=%g", m.IdleWatts, m.MaxWatts, m.Gamma))
		}
		if m.Table != "" {
			if err := canReadFile(m.Table); err != nil {
				errs = append(errs, fmt.Sprintf("unreadable cpu model table: %s", m.Table))
			}
		}
	}

	{ // fake meter
		fm := c.Dev.FakeMeter
		if fm.Watts < 0 {
			errs = append(errs, fmt.Sprintf("invalid fake meter power: %gW can't be negative", fm.Watts))
		}
		if fm.Jitter < 0 || fm.Jitter > 1 {
			errs = append(errs, fmt.Sprintf("invalid fake meter jitter: %g must be within [0, 1]", fm.Jitter))
		}
	}

	{ // web
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	{ // remote write
		rw := c.Exporter.RemoteWrite
		if ptr.Deref(rw.Enabled, false) {
			if rw.URL == "" {
				errs = append(errs, fmt.Sprintf("%s not supplied but remote write exporter is enabled", ExporterRemoteWriteURLFlag))
			} else if u, err := url.Parse(rw.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Sprintf("invalid remote write url: %q", rw.URL))
			}
		}
		if rw.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("invalid remote write timeout: %s can't be negative", rw.Timeout))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{MonitorBackendFlag, c.Monitor.Backend},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorChannelsFlag, strings.Join(c.Monitor.Channels, ", ")},
		{MonitorRefreshFlag, c.Monitor.Refresh.String()},
		{RaplMSRFlag, fmt.Sprintf("%v", ptr.Deref(c.Rapl.MSR.Enabled, false))},
		{OSPDeviceFlag, c.OSP.Device},
		{ShmemPathFlag, c.Shmem.Path},
		{RedfishConfigFlag, c.Redfish.ConfigFile},
		{CPUModelTableFlag, c.CPUModel.Table},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterRemoteWriteURLFlag, c.Exporter.RemoteWrite.URL},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}

	sb := strings.Builder{}
	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}
