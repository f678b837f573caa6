// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedfish(t *testing.T, bmc BMC) *RedfishChannel {
	t.Helper()
	bmc.Timeout = 2 * time.Second
	ch, err := OpenRedfish(bmc, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestRedfishPowerSubsystem(t *testing.T) {
	bmc := newFakeBMC(t, fakeChassis{supplies: []float64{120, 80}, consumed: 999})

	ch := openTestRedfish(t, bmc.bmc())
	assert.Equal(t, RedfishPowerSubsystem, ch.Strategy())
	assert.Equal(t, "redfish", ch.Name())

	p, err := ch.Power()
	require.NoError(t, err)
	assert.InDelta(t, 200.0, p.Watts(), 0.001)
}

func TestRedfishFallsBackToPower(t *testing.T) {
	bmc := newFakeBMC(t, fakeChassis{consumed: 150, noSubsystem: true})

	ch := openTestRedfish(t, bmc.bmc())
	assert.Equal(t, RedfishPower, ch.Strategy())

	p, err := ch.Power()
	require.NoError(t, err)
	assert.InDelta(t, 150.0, p.Watts(), 0.001)
}

func TestRedfishSumsChassis(t *testing.T) {
	bmc := newFakeBMC(t,
		fakeChassis{consumed: 100, noSubsystem: true},
		fakeChassis{consumed: 50, noSubsystem: true},
	)

	ch := openTestRedfish(t, bmc.bmc())
	p, err := ch.Power()
	require.NoError(t, err)
	assert.InDelta(t, 150.0, p.Watts(), 0.001)

	t.Run("skips failing chassis", func(t *testing.T) {
		bmc.setChassis(1, fakeChassis{noSubsystem: true, noPower: true})
		p, err := ch.Power()
		require.NoError(t, err)
		assert.InDelta(t, 100.0, p.Watts(), 0.001)
	})

	t.Run("fails when no chassis reports", func(t *testing.T) {
		bmc.setChassis(0, fakeChassis{noSubsystem: true, noPower: true})
		_, err := ch.Power()
		assert.ErrorContains(t, err, "no chassis with valid power readings")
	})
}

func TestRedfishTracksPowerChanges(t *testing.T) {
	bmc := newFakeBMC(t, fakeChassis{consumed: 100, noSubsystem: true})
	ch := openTestRedfish(t, bmc.bmc())

	for _, watts := range []float64{100, 250.5, 75} {
		bmc.setChassis(0, fakeChassis{consumed: watts, noSubsystem: true})
		p, err := ch.Power()
		require.NoError(t, err)
		assert.InDelta(t, watts, p.Watts(), 0.001)
	}
}

func TestRedfishOpenErrors(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("no chassis", func(t *testing.T) {
		bmc := newFakeBMC(t)
		_, err := OpenRedfish(bmc.bmc(), logger)
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("no power resource", func(t *testing.T) {
		bmc := newFakeBMC(t, fakeChassis{noSubsystem: true, noPower: true})
		_, err := OpenRedfish(bmc.bmc(), logger)
		assert.ErrorIs(t, err, ErrNoDevice)
		assert.ErrorContains(t, err, "neither PowerSubsystem nor Power")
	})

	t.Run("bad credentials", func(t *testing.T) {
		bmc := newFakeBMC(t, fakeChassis{consumed: 10})
		creds := bmc.bmc()
		creds.Password = "wrong"
		_, err := OpenRedfish(creds, logger)
		assert.ErrorContains(t, err, "failed to connect to BMC")
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := OpenRedfish(BMC{Endpoint: "http://127.0.0.1:1", Timeout: time.Second}, logger)
		assert.Error(t, err)
	})
}

func TestRedfishClose(t *testing.T) {
	bmc := newFakeBMC(t, fakeChassis{consumed: 42, noSubsystem: true})
	ch, err := OpenRedfish(bmc.bmc(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, 1, bmc.activeSessions())

	require.NoError(t, ch.Close())
	assert.Zero(t, bmc.activeSessions())
	require.NoError(t, ch.Close(), "second close is a no-op")

	_, err = ch.Power()
	assert.Error(t, err)
}
