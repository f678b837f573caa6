// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	got, err := ParseKind(" RAPL ")
	require.NoError(t, err)
	assert.Equal(t, RAPL, got)

	got, err = ParseKind("default")
	require.NoError(t, err)
	assert.Equal(t, DefaultKind, got)

	_, err = ParseKind("odroid")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, "Kind(99)", Kind(99).String())
	assert.Contains(t, KindNames(), "osp-polling")
}

func TestNew(t *testing.T) {
	sources := map[Kind]string{
		Dummy:      "Dummy Source",
		Fake:       "Fake Power Meter",
		RAPL:       "Intel RAPL",
		Jetson:     "NVIDIA Jetson INA3221 Power Monitors",
		Hwmon:      "hwmon Power Sensors",
		OSP:        "ODROID Smart Power",
		OSPPolling: "ODROID Smart Power with Polling",
		Shmem:      "Shared Memory Feed",
		Redfish:    "Redfish BMC",
		NVML:       "NVIDIA NVML",
		CPUModel:   "CPU Utilisation Power Model",
	}
	require.Len(t, sources, len(Kinds()))

	for kind, source := range sources {
		t.Run(kind.String(), func(t *testing.T) {
			m, err := New(kind, WithLogger(discardLogger()))
			require.NoError(t, err)
			assert.Equal(t, source, m.Source())
			assert.Equal(t, kind == OSP || kind == OSPPolling, m.Exclusive())

			_, err = m.ReadTotal()
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}

	_, err := New(Kind(99))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefault(t *testing.T) {
	// no energymon_default_* tag is set in tests
	assert.Equal(t, Dummy, DefaultKind)

	m, err := Default(WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.Equal(t, "Dummy Source", m.Source())
}

func TestDummy(t *testing.T) {
	m, err := New(Dummy, WithLogger(discardLogger()), WithEnv(nil))
	require.NoError(t, err)

	interval, err := m.Interval()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), interval)

	require.NoError(t, m.Init())
	total, err := m.ReadTotal()
	require.NoError(t, err)
	assert.Zero(t, total)

	precision, err := m.Precision()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), precision)
	require.NoError(t, m.Finish())
}
