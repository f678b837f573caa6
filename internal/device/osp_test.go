// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// fakeHID answers ODROID Smart Power requests.
type fakeHID struct {
	running  bool
	watts    string
	wattHour string
	lastCmd  byte
	writes   []byte
	readErr  error
	closed   bool
}

func (f *fakeHID) Write(report []byte) (int, error) {
	f.lastCmd = report[1]
	f.writes = append(f.writes, report[1])
	if report[1] == ospRequestStartStop {
		f.running = !f.running
	}
	return len(report), nil
}

func (f *fakeHID) Read(report []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	report[0] = f.lastCmd
	switch f.lastCmd {
	case ospRequestStatus:
		if f.running {
			report[1] = 0x01
		}
	case ospRequestData:
		copy(report[17:23], f.watts)
		copy(report[26:31], f.wattHour)
	}
	return 64, nil
}

func (f *fakeHID) Close() error {
	f.closed = true
	return nil
}

func openFakeOSP(t *testing.T, dev *fakeHID) *OSP {
	t.Helper()
	o, err := OpenOSP("", "", withOSPDevice(dev), withOSPSleep(func(time.Duration) {}))
	require.NoError(t, err)
	return o
}

func TestOSP(t *testing.T) {
	t.Run("StartsStoppedMeter", func(t *testing.T) {
		dev := &fakeHID{watts: " 4.512", wattHour: "0.001"}
		o := openFakeOSP(t, dev)
		assert.True(t, dev.running)
		assert.Equal(t, []byte{ospRequestStatus, ospRequestStartStop, ospRequestData, ospRequestData}, dev.writes)

		p, err := o.Power()
		require.NoError(t, err)
		assert.InDelta(t, 4.512, p.Watts(), 1e-9)

		e, err := o.Energy()
		require.NoError(t, err)
		assert.Equal(t, energy.Energy(3_600_000), e)
		assert.Zero(t, o.MaxEnergy())

		require.NoError(t, o.Close())
		assert.True(t, dev.closed)
		_, err = o.Power()
		assert.Error(t, err)
	})

	t.Run("RestartsRunningMeter", func(t *testing.T) {
		dev := &fakeHID{running: true, watts: "1.000", wattHour: "0.000"}
		openFakeOSP(t, dev)
		assert.True(t, dev.running)
		assert.Equal(t, []byte{ospRequestStatus, ospRequestStartStop, ospRequestStartStop, ospRequestData, ospRequestData}, dev.writes)
	})

	t.Run("ReadFailure", func(t *testing.T) {
		dev := &fakeHID{readErr: errors.New("unplugged")}
		_, err := OpenOSP("", "", withOSPDevice(dev), withOSPSleep(func(time.Duration) {}))
		assert.Error(t, err)
		assert.True(t, dev.closed)
	})
}

func TestParseReportFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		err  bool
	}{
		{" 4.512", 4.512, false},
		{"12.0W\x00", 12, false},
		{"0.003\x00\x00", 0.003, false},
		{"   ", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseReportFloat([]byte(tt.in))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFindOSP(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "class/hidraw/hidraw0/device/uevent", "DRIVER=hid-generic\nHID_ID=0003:0000046D:0000C52B\n")
	writeFile(t, root, "class/hidraw/hidraw1/device/uevent", "DRIVER=hid-generic\nHID_ID=0003:000004D8:0000003F\n")

	p, err := FindOSP(root)
	require.NoError(t, err)
	assert.Equal(t, "/dev/hidraw1", p)

	_, err = FindOSP(t.TempDir())
	assert.ErrorIs(t, err, ErrNoDevice)
}
