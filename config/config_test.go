// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "/sys", cfg.Host.SysFS)
	assert.Equal(t, "default", cfg.Monitor.Backend)
	assert.Zero(t, cfg.Monitor.Interval)
	assert.Empty(t, cfg.Monitor.Channels)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Refresh)
	assert.False(t, *cfg.Rapl.MSR.Enabled)
	assert.Equal(t, "/dev/shm/energymon", cfg.Shmem.Path)
	assert.Equal(t, 10.0, cfg.Dev.FakeMeter.Watts)
	assert.True(t, *cfg.Exporter.Prometheus.Enabled)
	assert.False(t, *cfg.Exporter.Stdout.Enabled)
	assert.Equal(t, MetricsLevelAll, cfg.Exporter.Prometheus.MetricsLevel)
	assert.Equal(t, "", cfg.Web.Config)

	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestLoadFromYAML(t *testing.T) {
	yamlData := `
log:
  level: debug
  format: json
monitor:
  backend: jetson
  interval: 250ms
  channels: [VDD_IN, VDD_CPU_GPU_CV]
  refresh: 1s
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "jetson", cfg.Monitor.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, []string{"VDD_IN", "VDD_CPU_GPU_CV"}, cfg.Monitor.Channels)
	assert.Equal(t, time.Second, cfg.Monitor.Refresh)
}

func TestLoadEmptyFromYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(``))
	require.NoError(t, err)

	defaultCfg := DefaultConfig()
	assert.Equal(t, defaultCfg.Log, cfg.Log)
	assert.Equal(t, defaultCfg.Monitor.Backend, cfg.Monitor.Backend)
	assert.Equal(t, defaultCfg.Monitor.Interval, cfg.Monitor.Interval)
	assert.Equal(t, defaultCfg.Monitor.Refresh, cfg.Monitor.Refresh)
}

func TestLoadInvalidConfigFromYAML(t *testing.T) {
	yamlData := `
log:
  level: FATAL
  format: json
`
	cfg, err := Load(strings.NewReader(yamlData))
	assert.ErrorContains(t, err, "invalid configuration")
	assert.Nil(t, cfg)
}

func TestCommandLinePrecedence(t *testing.T) {
	yamlData := `
monitor:
  backend: hwmon
  interval: 1s
exporter:
  stdout:
    enabled: false
  prometheus:
    enabled: false
debug:
  pprof:
    enabled: false
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)

	_, err = app.Parse([]string{
		"--monitor.backend=fake",
		"--monitor.channel=package-0",
		"--monitor.channel=package-1",
		"--exporter.stdout",
		"--exporter.remote-write.url=http://prom:9090/api/v1/write",
		"--debug.pprof",
	})
	require.NoError(t, err)
	require.NoError(t, updateConfig(cfg))

	assert.Equal(t, "fake", cfg.Monitor.Backend, "backend should come from flag")
	assert.Equal(t, time.Second, cfg.Monitor.Interval, "interval should remain from yaml")
	assert.Equal(t, []string{"package-0", "package-1"}, cfg.Monitor.Channels)
	assert.True(t, *cfg.Exporter.Stdout.Enabled, "stdout exporter should be enabled from flag")
	assert.False(t, *cfg.Exporter.Prometheus.Enabled, "prometheus exporter should remain disabled from yaml")
	assert.True(t, *cfg.Debug.Pprof.Enabled, "pprof should be enabled from flag")
	assert.True(t, *cfg.Exporter.RemoteWrite.Enabled, "remote write is enabled by its url flag")
	assert.Equal(t, "http://prom:9090/api/v1/write", cfg.Exporter.RemoteWrite.URL)
}

func TestUnsetFlagsKeepYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
shmem:
  path: /tmp/feed
osp:
  device: /dev/hidraw3
`))
	require.NoError(t, err)

	app := kingpin.New("test", "Test application")
	updateConfig := RegisterFlags(app)
	_, err = app.Parse([]string{})
	require.NoError(t, err)
	require.NoError(t, updateConfig(cfg))

	assert.Equal(t, "/tmp/feed", cfg.Shmem.Path)
	assert.Equal(t, "/dev/hidraw3", cfg.OSP.Device)
}

func TestWhitespaceHandling(t *testing.T) {
	yamlData := `
log:
  level: "  debug  "
  format: "  json  "
monitor:
  backend: "  Fake "
  channels: ["  package-0  "]
exporter:
  prometheus:
    debugCollectors: ["  go  ", "  process  "]
`
	cfg, err := Load(strings.NewReader(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "fake", cfg.Monitor.Backend)
	assert.Equal(t, []string{"package-0"}, cfg.Monitor.Channels)
	assert.ElementsMatch(t, []string{"go", "process"}, cfg.Exporter.Prometheus.DebugCollectors)
}

func TestFromRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestInvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("log:\n  level: FATAL\ninvalid yaml\n"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestInvalidFile(t *testing.T) {
	_, err := FromFile("non_existent_file.yaml")
	assert.ErrorContains(t, err, "failed to open config file")
}

// ErrorReader is a mock io.Reader that always returns an error
type ErrorReader struct{}

func (r *ErrorReader) Read(p []byte) (n int, err error) {
	return 0, os.ErrInvalid
}

func TestReadError(t *testing.T) {
	_, err := Load(&ErrorReader{})
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestInvalidConfigurationValues(t *testing.T) {
	redfishFile := filepath.Join(t.TempDir(), "bmc.yaml")
	require.NoError(t, os.WriteFile(redfishFile, []byte("nodes: {}\n"), 0644))

	tt := []struct {
		name   string
		mutate func(*Config)
		error  string
	}{{
		name:   "default config",
		mutate: func(*Config) {},
	}, {
		name:   "log level",
		mutate: func(c *Config) { c.Log.Level = "debg" },
		error:  "invalid log level: debg",
	}, {
		name:   "log format",
		mutate: func(c *Config) { c.Log.Format = "jAson" },
		error:  "invalid log format: jAson",
	}, {
		name:   "unknown backend",
		mutate: func(c *Config) { c.Monitor.Backend = "geiger" },
		error:  "invalid monitor backend: geiger",
	}, {
		name:   "negative interval",
		mutate: func(c *Config) { c.Monitor.Interval = -time.Second },
		error:  "invalid monitor interval",
	}, {
		name:   "zero refresh",
		mutate: func(c *Config) { c.Monitor.Refresh = 0 },
		error:  "invalid monitor refresh",
	}, {
		name:   "empty channel",
		mutate: func(c *Config) { c.Monitor.Channels = []string{""} },
		error:  "monitor channel cannot be empty",
	}, {
		name:   "duplicate channel",
		mutate: func(c *Config) { c.Monitor.Channels = []string{"VDD_IN", "VDD_IN"} },
		error:  "duplicate monitor channel: VDD_IN",
	}, {
		name: "msr device path",
		mutate: func(c *Config) {
			c.Rapl.MSR.Enabled = ptr.To(true)
			c.Rapl.MSR.DevicePath = "/dev/cpu/msr"
		},
		error: "must contain %d",
	}, {
		name:   "redfish without config file",
		mutate: func(c *Config) { c.Monitor.Backend = "redfish" },
		error:  "redfish.config-file not supplied",
	}, {
		name: "redfish with config file",
		mutate: func(c *Config) {
			c.Monitor.Backend = "redfish"
			c.Redfish.ConfigFile = redfishFile
		},
	}, {
		name:   "cpu model",
		mutate: func(c *Config) { c.CPUModel.MaxWatts = 1 },
		error:  "invalid cpu model",
	}, {
		name: "remote write without url",
		mutate: func(c *Config) {
			c.Exporter.RemoteWrite.Enabled = ptr.To(true)
		},
		error: "exporter.remote-write.url not supplied",
	}, {
		name: "remote write bad url",
		mutate: func(c *Config) {
			c.Exporter.RemoteWrite.Enabled = ptr.To(true)
			c.Exporter.RemoteWrite.URL = "localhost:9090"
		},
		error: "invalid remote write url",
	}, {
		name: "remote write",
		mutate: func(c *Config) {
			c.Exporter.RemoteWrite.Enabled = ptr.To(true)
			c.Exporter.RemoteWrite.URL = "https://prom.example.com/api/v1/write"
		},
	}, {
		name:   "cpu model table",
		mutate: func(c *Config) { c.CPUModel.Table = "/non/existent/cpus.csv" },
		error:  "unreadable cpu model table",
	}, {
		name:   "fake meter jitter",
		mutate: func(c *Config) { c.Dev.FakeMeter.Jitter = 2 },
		error:  "invalid fake meter jitter",
	}, {
		name:   "web config",
		mutate: func(c *Config) { c.Web.Config = "/non/existent/web.yaml" },
		error:  "invalid web config file",
	}, {
		name:   "no listen address",
		mutate: func(c *Config) { c.Web.ListenAddresses = nil },
		error:  "at least one web listen address must be specified",
	}, {
		name:   "bad port",
		mutate: func(c *Config) { c.Web.ListenAddresses = []string{":99999"} },
		error:  "port must be between 1 and 65535",
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate(SkipHostValidation)
			if tc.error == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.error)
		})
	}
}

func TestValidationCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Monitor.Backend = "geiger"

	err := cfg.Validate(SkipHostValidation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
	assert.Contains(t, err.Error(), "invalid monitor backend")
}

func TestValidateWithSkip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host.SysFS = "/non/existent/sys"

	assert.ErrorContains(t, cfg.Validate(), "invalid sysfs path")
	assert.NoError(t, cfg.Validate(SkipHostValidation))
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	str := cfg.String()

	assert.Contains(t, str, "backend: default")
	assert.Contains(t, str, "refresh: 5s")
	assert.Contains(t, str, "metricsLevel:")

	manual := cfg.manualString()
	assert.Contains(t, manual, "monitor.backend: default")
	assert.Contains(t, manual, "exporter.prometheus: true")
	assert.Contains(t, manual, "metrics: energy,source,sampling")
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Monitor.Backend = "rapl"
	cfg.Monitor.Channels = []string{"package-0-die-0"}
	cfg.Exporter.Prometheus.MetricsLevel = MetricsLevelEnergy

	loaded, err := Load(strings.NewReader(cfg.String()))
	require.NoError(t, err)
	assert.Equal(t, cfg.Monitor, loaded.Monitor)
	assert.Equal(t, MetricsLevelEnergy, loaded.Exporter.Prometheus.MetricsLevel)
}

func TestBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := (&Builder{}).Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("merge overrides", func(t *testing.T) {
		cfg, err := (&Builder{}).
			Merge(`
monitor:
  backend: shmem
exporter:
  prometheus:
    enabled: true
`).
			Merge(`
exporter:
  prometheus:
    enabled: false
`).
			Build()
		require.NoError(t, err)
		assert.Equal(t, "shmem", cfg.Monitor.Backend)
		assert.False(t, *cfg.Exporter.Prometheus.Enabled)
		assert.False(t, *cfg.Exporter.Stdout.Enabled, "unset pointers keep the default")
	})

	t.Run("merge file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "override.yaml")
		require.NoError(t, os.WriteFile(path, []byte("monitor:\n  refresh: 2s\n"), 0644))

		cfg, err := (&Builder{}).Use(DefaultConfig()).MergeFile(path).Build()
		require.NoError(t, err)
		assert.Equal(t, 2*time.Second, cfg.Monitor.Refresh)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := (&Builder{}).
			MergeFile(filepath.Join(t.TempDir(), "absent.yaml")).
			Merge("monitor: [").
			Build()
		assert.ErrorContains(t, err, "failed to read config file")
		assert.ErrorContains(t, err, "failed to parse YAML")
	})
}

func TestMetricsLevelValue(t *testing.T) {
	t.Run("first value replaces default", func(t *testing.T) {
		level := MetricsLevelAll
		v := NewMetricsLevelValue(&level)
		require.NoError(t, v.Set("energy"))
		assert.Equal(t, MetricsLevelEnergy, level)

		require.NoError(t, v.Set("sampling"))
		assert.Equal(t, MetricsLevelEnergy|MetricsLevelSampling, level)
		assert.Equal(t, "energy,sampling", v.String())
	})

	t.Run("invalid", func(t *testing.T) {
		level := MetricsLevelAll
		v := NewMetricsLevelValue(&level)
		assert.Error(t, v.Set("process"))
		assert.Equal(t, MetricsLevelAll, level)
	})

	t.Run("cumulative", func(t *testing.T) {
		level := MetricsLevelAll
		assert.True(t, NewMetricsLevelValue(&level).IsCumulative())
	})

	t.Run("command line", func(t *testing.T) {
		app := kingpin.New("test", "Test application")
		updateConfig := RegisterFlags(app)
		_, err := app.Parse([]string{"--metrics=source", "--metrics=energy"})
		require.NoError(t, err)

		cfg := DefaultConfig()
		require.NoError(t, updateConfig(cfg))
		assert.Equal(t, MetricsLevelEnergy|MetricsLevelSource, cfg.Exporter.Prometheus.MetricsLevel)
	})
}

func TestMetricsLevelYAML(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
exporter:
  prometheus:
    metricsLevel: [energy, source]
`))
	require.NoError(t, err)
	assert.Equal(t, MetricsLevelEnergy|MetricsLevelSource, cfg.Exporter.Prometheus.MetricsLevel)

	out, err := yaml.Marshal(cfg.Exporter.Prometheus)
	require.NoError(t, err)
	assert.Contains(t, string(out), "- energy")
	assert.Contains(t, string(out), "- source")
}
