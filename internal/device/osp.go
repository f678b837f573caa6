// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// ODROID Smart Power USB HID protocol
const (
	OSPVendorID  = 0x04d8
	OSPProductID = 0x003f

	ospReportLen        = 65
	ospRequestData      = 0x37
	ospRequestStartStop = 0x80
	ospRequestStatus    = 0x81
)

// OSPSettleTime is how long the meter needs after being started or stopped.
const OSPSettleTime = 200 * time.Millisecond

// hidDevice is the raw HID transport: reports are written with a leading
// report ID byte and read back without one.
type hidDevice interface {
	Write(report []byte) (int, error)
	Read(report []byte) (int, error)
	Close() error
}

// OSP reads an ODROID Smart Power meter. It serves both as a PowerChannel
// (instantaneous watts) and a CounterChannel (watt-hours since the meter
// was last started).
type OSP struct {
	mu     sync.Mutex
	dev    hidDevice
	buf    [ospReportLen]byte
	logger *slog.Logger
	sleep  func(time.Duration)
}

var (
	_ PowerChannel   = (*OSP)(nil)
	_ CounterChannel = (*OSP)(nil)
)

type OSPOptionFn func(*OSP)

func WithOSPLogger(logger *slog.Logger) OSPOptionFn {
	return func(o *OSP) {
		o.logger = logger.With("service", "osp")
	}
}

// withOSPDevice replaces the hidraw transport
func withOSPDevice(d hidDevice) OSPOptionFn {
	return func(o *OSP) {
		o.dev = d
	}
}

func withOSPSleep(fn func(time.Duration)) OSPOptionFn {
	return func(o *OSP) {
		o.sleep = fn
	}
}

// OpenOSP opens the meter at devPath (a /dev/hidrawN node), restarts its
// energy counter, and primes it with two data requests. An empty devPath
// searches <sysfsPath>/class/hidraw for the meter.
func OpenOSP(sysfsPath, devPath string, opts ...OSPOptionFn) (*OSP, error) {
	o := &OSP{
		logger: slog.Default().With("service", "osp"),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.dev == nil {
		if devPath == "" {
			p, err := FindOSP(sysfsPath)
			if err != nil {
				return nil, err
			}
			devPath = p
		}
		d, err := openHidraw(devPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open ODROID Smart Power: %w", err)
		}
		o.dev = d
	}

	if err := o.start(); err != nil {
		_ = o.dev.Close()
		return nil, err
	}
	return o, nil
}

func (o *OSP) start() error {
	if err := o.request(ospRequestStatus, true); err != nil {
		return fmt.Errorf("failed to request status: %w", err)
	}
	started := o.buf[1] == 0x01

	// a running meter is stopped first so the counter restarts from zero
	if started {
		if err := o.request(ospRequestStartStop, false); err != nil {
			return fmt.Errorf("failed to stop meter: %w", err)
		}
	}
	if err := o.request(ospRequestStartStop, false); err != nil {
		return fmt.Errorf("failed to start meter: %w", err)
	}
	o.sleep(OSPSettleTime)

	for range 2 {
		if err := o.request(ospRequestData, true); err != nil {
			return fmt.Errorf("failed initial data request: %w", err)
		}
	}
	o.logger.Debug("ODROID Smart Power started", "was_running", started)
	return nil
}

// request writes a command report and optionally reads the reply into buf.
func (o *OSP) request(cmd byte, reply bool) error {
	o.buf = [ospReportLen]byte{}
	o.buf[1] = cmd
	if _, err := o.dev.Write(o.buf[:]); err != nil {
		return err
	}
	if !reply {
		return nil
	}
	o.buf = [ospReportLen]byte{}
	if _, err := o.dev.Read(o.buf[:]); err != nil {
		return err
	}
	return nil
}

func (o *OSP) readData() error {
	if o.dev == nil {
		return errors.New("ODROID Smart Power closed")
	}
	if err := o.request(ospRequestData, true); err != nil {
		return fmt.Errorf("data request failed: %w", err)
	}
	if o.buf[0] != ospRequestData {
		return errors.New("meter did not return data")
	}
	return nil
}

func (o *OSP) Name() string {
	return "osp"
}

// Power returns the instantaneous reading from report bytes 17..22.
func (o *OSP) Power() (energy.Power, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.readData(); err != nil {
		return 0, err
	}
	w, err := parseReportFloat(o.buf[17:23])
	if err != nil {
		return 0, fmt.Errorf("bad power field: %w", err)
	}
	return energy.Power(w) * energy.Watt, nil
}

// Energy returns the meter's watt-hour counter from report bytes 26..30.
func (o *OSP) Energy() (energy.Energy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.readData(); err != nil {
		return 0, err
	}
	wh, err := parseReportFloat(o.buf[26:31])
	if err != nil {
		return 0, fmt.Errorf("bad energy field: %w", err)
	}
	return energy.Energy(wh * float64(energy.WattHour)), nil
}

// MaxEnergy is unknown; the meter only resets when restarted.
func (o *OSP) MaxEnergy() energy.Energy {
	return 0
}

func (o *OSP) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dev == nil {
		return nil
	}
	err := o.dev.Close()
	o.dev = nil
	return err
}

// parseReportFloat parses an ASCII decimal field, ignoring padding and
// anything after the number.
func parseReportFloat(field []byte) (float64, error) {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	s := strings.TrimSpace(string(field))
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || (end == 0 && (s[end] == '-' || s[end] == '+'))) {
		end++
	}
	return strconv.ParseFloat(s[:end], 64)
}

// FindOSP returns the /dev/hidrawN node of the first ODROID Smart Power
// listed under <sysfsPath>/class/hidraw.
func FindOSP(sysfsPath string) (string, error) {
	want := fmt.Sprintf("HID_ID=%04X:%08X:%08X", 3, OSPVendorID, OSPProductID)
	dir := filepath.Join(sysfsPath, "class", "hidraw")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name(), "device", "uevent"))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.EqualFold(strings.TrimSpace(line), want) {
				return filepath.Join("/dev", e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no ODROID Smart Power attached", ErrNoDevice)
}

// hidrawTimeout bounds how long a report read may block.
const hidrawTimeout = time.Second

type hidraw struct {
	fd int
}

func openHidraw(path string) (*hidraw, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &hidraw{fd: fd}, nil
}

func (h *hidraw) Write(report []byte) (int, error) {
	return unix.Write(h.fd, report)
}

func (h *hidraw) Read(report []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(hidrawTimeout.Milliseconds()))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("timed out waiting for HID report")
	}
	return unix.Read(h.fd, report)
}

func (h *hidraw) Close() error {
	return unix.Close(h.fd)
}
