// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energymon

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = time.Second
	pollFor = time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// env returns an environment lookup backed by vars.
func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func testOpts(c clock.WithTicker, extra ...OptionFn) Opts {
	o := DefaultOpts()
	fns := append([]OptionFn{WithLogger(discardLogger()), WithClock(c), WithEnv(nil)}, extra...)
	for _, fn := range fns {
		fn(&o)
	}
	return o
}

func testOptFns(c clock.WithTicker, extra ...OptionFn) []OptionFn {
	return append([]OptionFn{WithLogger(discardLogger()), WithClock(c), WithEnv(nil)}, extra...)
}

// stepPolling advances the fake clock by one sampling interval once the
// monitor's sampler is asleep, and waits for the tick to complete.
func stepPolling(t *testing.T, m Monitor, fakeClock *testingclock.FakeClock) {
	t.Helper()
	pm, ok := m.(*pollingMonitor)
	require.True(t, ok, "not a polling monitor")
	require.NotNil(t, pm.active, "monitor not initialized")

	smp := pm.active.sampler
	want := smp.Ticks() + 1
	require.Eventually(t, fakeClock.HasWaiters, waitFor, pollFor, "sampler never slept")
	fakeClock.Step(smp.Interval())
	require.Eventually(t, func() bool { return smp.Ticks() == want }, waitFor, pollFor, "tick did not complete")
}

func writeFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}
