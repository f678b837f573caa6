// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

func TestFakePowerChannel(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		f := NewFakePowerChannel("cpu", 5*energy.Watt, 0)
		p, err := f.Power()
		require.NoError(t, err)
		assert.Equal(t, 5*energy.Watt, p)
	})

	t.Run("JitterStaysInBounds", func(t *testing.T) {
		f := NewFakePowerChannel("cpu", 10*energy.Watt, 0.1)
		for range 100 {
			p, err := f.Power()
			require.NoError(t, err)
			assert.GreaterOrEqual(t, p, 9*energy.Watt)
			assert.LessOrEqual(t, p, 11*energy.Watt)
		}
	})

	t.Run("Error", func(t *testing.T) {
		f := NewFakePowerChannel("cpu", energy.Watt, 0)
		f.SetError(errors.New("eio"))
		_, err := f.Power()
		assert.Error(t, err)
		f.SetError(nil)
		_, err = f.Power()
		assert.NoError(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		f := NewFakePowerChannel("cpu", energy.Watt, 0)
		require.NoError(t, f.Close())
		assert.True(t, f.Closed())
		_, err := f.Power()
		assert.Error(t, err)
	})
}

func TestFakeCounterChannel(t *testing.T) {
	f := NewFakeCounterChannel("pkg", 100)
	f.Set(90)
	f.Add(15)
	e, err := f.Energy()
	require.NoError(t, err)
	assert.Equal(t, energy.Energy(5), e)
	assert.Equal(t, energy.Energy(100), f.MaxEnergy())
}

func TestCloseAll(t *testing.T) {
	a := NewFakeCounterChannel("a", 0)
	b := NewFakeCounterChannel("b", 0)
	require.NoError(t, CloseAll([]CounterChannel{a, b}))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}
