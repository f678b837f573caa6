// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// ina3221xRail adds a downstream driver rail reporting mw milliwatts.
func ina3221xRail(t *testing.T, root, busAddr string, ch int, name string, mw int) {
	t.Helper()
	dir := fmt.Sprintf("bus/i2c/drivers/ina3221x/%s/iio:device0", busAddr)
	writeFile(t, root, fmt.Sprintf("%s/rail_name_%d", dir, ch), name+"\n")
	writeFile(t, root, fmt.Sprintf("%s/in_power%d_input", dir, ch), fmt.Sprintf("%d\n", mw))
	writeFile(t, root, fmt.Sprintf("%s/polling_delay_%d", dir, ch), "50\n")
}

func TestDiscoverRails(t *testing.T) {
	t.Run("Ina3221x", func(t *testing.T) {
		root := t.TempDir()
		ina3221xRail(t, root, "1-0040", 0, "VDD_IN", 5000)
		ina3221xRail(t, root, "1-0040", 1, "VDD_GPU", 1200)

		rails, err := DiscoverRails(root, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"VDD_GPU", "VDD_IN"}, rails.Names())

		chs, err := rails.Open([]string{"VDD_IN"})
		require.NoError(t, err)
		require.Len(t, chs, 1)
		defer func() { assert.NoError(t, CloseAll(chs)) }()

		p, err := chs[0].Power()
		require.NoError(t, err)
		assert.Equal(t, 5*energy.Watt, p)
		assert.Equal(t, 50*time.Millisecond, chs[0].Interval())
	})

	t.Run("MainlineIna3221", func(t *testing.T) {
		root := t.TempDir()
		dir := "bus/i2c/drivers/ina3221/1-0040/hwmon/hwmon3"
		writeFile(t, root, dir+"/update_interval", "140\n")
		writeFile(t, root, dir+"/in1_label", "VDD_IN\n")
		writeFile(t, root, dir+"/in1_input", "5000\n")
		writeFile(t, root, dir+"/curr1_input", "1000\n")
		writeFile(t, root, dir+"/in2_label", "NC\n")

		rails, err := DiscoverRails(root, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"VDD_IN"}, rails.Names())

		chs, err := rails.Open([]string{"VDD_IN"})
		require.NoError(t, err)
		defer func() { _ = CloseAll(chs) }()

		p, err := chs[0].Power()
		require.NoError(t, err)
		assert.Equal(t, 5*energy.Watt, p)
		assert.Equal(t, 140*time.Millisecond, chs[0].Interval())
	})

	t.Run("NothingFound", func(t *testing.T) {
		_, err := DiscoverRails(t.TempDir(), nil)
		assert.ErrorIs(t, err, ErrNoDevice)
	})
}

func TestRailsOpen(t *testing.T) {
	root := t.TempDir()
	ina3221xRail(t, root, "1-0040", 0, "VDD_IN", 1000)
	ina3221xRail(t, root, "1-0040", 1, "CPU", 2000)
	ina3221xRail(t, root, "1-0041", 0, "GPU", 3000)
	ina3221xRail(t, root, "1-0041", 1, "GPU", 3000)
	rails, err := DiscoverRails(root, nil)
	require.NoError(t, err)

	t.Run("RequestedTwice", func(t *testing.T) {
		_, err := rails.Open([]string{"CPU", "CPU"})
		assert.ErrorIs(t, err, ErrDuplicateRail)
	})

	t.Run("AmbiguousName", func(t *testing.T) {
		_, err := rails.Open([]string{"GPU"})
		assert.ErrorIs(t, err, ErrDuplicateRail)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := rails.Open([]string{"CPU", "VDD_MUX"})
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("FirstCompleteDefaultSet", func(t *testing.T) {
		// {VDD_IN, VDD_MUX} is incomplete so {VDD_IN} wins
		chs, set, err := rails.OpenFirst(DefaultRailSets)
		require.NoError(t, err)
		defer func() { _ = CloseAll(chs) }()
		assert.Equal(t, []string{"VDD_IN"}, set)
		require.Len(t, chs, 1)
		assert.Equal(t, "VDD_IN", chs[0].Name())
	})

	t.Run("NoDefaultSet", func(t *testing.T) {
		_, _, err := rails.OpenFirst([][]string{{"SYS5V"}, {"CV"}})
		assert.ErrorIs(t, err, ErrNoDevice)
	})
}

func TestRailChannelClosed(t *testing.T) {
	root := t.TempDir()
	ina3221xRail(t, root, "1-0040", 0, "VDD_IN", 1000)
	rails, err := DiscoverRails(root, nil)
	require.NoError(t, err)

	chs, err := rails.Open([]string{"VDD_IN"})
	require.NoError(t, err)
	require.NoError(t, chs[0].Close())
	_, err = chs[0].Power()
	assert.Error(t, err)
}
