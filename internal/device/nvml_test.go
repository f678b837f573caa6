// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

type mockNvmlLib struct {
	mock.Mock
}

func (m *mockNvmlLib) Init() nvml.Return {
	return m.Called().Get(0).(nvml.Return)
}

func (m *mockNvmlLib) Shutdown() nvml.Return {
	return m.Called().Get(0).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetCount() (int, nvml.Return) {
	args := m.Called()
	return args.Int(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDevice, nvml.Return) {
	args := m.Called(index)
	if args.Get(0) == nil {
		return nil, args.Get(1).(nvml.Return)
	}
	return args.Get(0).(nvmlDevice), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) ErrorString(ret nvml.Return) string {
	return "nvml error"
}

type mockNvmlDevice struct {
	mock.Mock
}

func (m *mockNvmlDevice) GetUUID() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlDevice) GetName() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlDevice) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	args := m.Called()
	return args.Get(0).(uint64), args.Get(1).(nvml.Return)
}

func TestOpenNVML(t *testing.T) {
	t.Run("SkipsGPUsWithoutEnergy", func(t *testing.T) {
		lib := &mockNvmlLib{}
		gpu0 := &mockNvmlDevice{}
		gpu1 := &mockNvmlDevice{}

		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(2, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", 0).Return(gpu0, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", 1).Return(gpu1, nvml.SUCCESS)
		lib.On("Shutdown").Return(nvml.SUCCESS).Once()

		gpu0.On("GetTotalEnergyConsumption").Return(uint64(1500), nvml.SUCCESS)
		gpu0.On("GetUUID").Return("GPU-0000", nvml.SUCCESS)
		gpu1.On("GetTotalEnergyConsumption").Return(uint64(0), nvml.ERROR_NOT_SUPPORTED)

		chs, err := openNVML(lib, nil)
		require.NoError(t, err)
		require.Len(t, chs, 1)
		assert.Equal(t, "gpu0", chs[0].Name())

		e, err := chs[0].Energy()
		require.NoError(t, err)
		assert.Equal(t, 1500*energy.MilliJoule, e)

		require.NoError(t, chs[0].Close())
		require.NoError(t, chs[0].Close())
		lib.AssertExpectations(t)
	})

	t.Run("InitFails", func(t *testing.T) {
		lib := &mockNvmlLib{}
		lib.On("Init").Return(nvml.ERROR_LIBRARY_NOT_FOUND)

		_, err := openNVML(lib, nil)
		assert.ErrorIs(t, err, ErrNoDevice)
	})

	t.Run("NoCapableGPU", func(t *testing.T) {
		lib := &mockNvmlLib{}
		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(0, nvml.SUCCESS)
		lib.On("Shutdown").Return(nvml.SUCCESS)

		_, err := openNVML(lib, nil)
		assert.ErrorIs(t, err, ErrNoDevice)
		lib.AssertCalled(t, "Shutdown")
	})

	t.Run("ShutdownAfterLastChannel", func(t *testing.T) {
		lib := &mockNvmlLib{}
		gpu := &mockNvmlDevice{}
		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(2, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", mock.Anything).Return(gpu, nvml.SUCCESS)
		gpu.On("GetTotalEnergyConsumption").Return(uint64(1), nvml.SUCCESS)
		gpu.On("GetUUID").Return("GPU", nvml.SUCCESS)
		lib.On("Shutdown").Return(nvml.SUCCESS)

		chs, err := openNVML(lib, nil)
		require.NoError(t, err)
		require.Len(t, chs, 2)

		require.NoError(t, chs[0].Close())
		lib.AssertNotCalled(t, "Shutdown")
		require.NoError(t, chs[1].Close())
		lib.AssertNumberOfCalls(t, "Shutdown", 1)
	})
}
