// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stmcginnis/gofish"
	"github.com/stmcginnis/gofish/redfish"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// RedfishStrategy is the Redfish resource power is read from.
type RedfishStrategy string

const (
	RedfishUnknown        RedfishStrategy = ""
	RedfishPowerSubsystem RedfishStrategy = "PowerSubsystem"
	RedfishPower          RedfishStrategy = "Power"
)

// BMC holds the connection details of a baseboard management controller.
type BMC struct {
	Endpoint string
	Username string
	Password string
	Insecure bool
	Timeout  time.Duration
}

// RedfishChannel reports the platform power of every chassis managed by a
// BMC, summed. The Redfish session is held for the lifetime of the channel.
type RedfishChannel struct {
	logger   *slog.Logger
	mu       sync.Mutex
	client   *gofish.APIClient
	endpoint string
	strategy RedfishStrategy
}

var _ PowerChannel = (*RedfishChannel)(nil)

// OpenRedfish connects to the BMC and settles on PowerSubsystem or the
// deprecated Power resource, whichever the BMC serves.
func OpenRedfish(bmc BMC, logger *slog.Logger) (*RedfishChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: bmc.Timeout}
	if bmc.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := gofish.Connect(gofish.ClientConfig{
		Endpoint:   bmc.Endpoint,
		Username:   bmc.Username,
		Password:   bmc.Password,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to BMC at %s: %w", bmc.Endpoint, err)
	}

	r := &RedfishChannel{
		logger:   logger.With("service", "redfish"),
		client:   client,
		endpoint: bmc.Endpoint,
	}

	chassis, err := r.chassis()
	if err != nil {
		client.Logout()
		return nil, err
	}
	if r.strategy, err = r.determineStrategy(chassis); err != nil {
		client.Logout()
		return nil, err
	}

	r.logger.Info("Power reading strategy determined",
		"endpoint", r.endpoint, "strategy", string(r.strategy))
	return r, nil
}

func (r *RedfishChannel) chassis() ([]*redfish.Chassis, error) {
	if r.client == nil || r.client.Service == nil {
		return nil, errors.New("BMC service is not available")
	}
	chassis, err := r.client.Service.Chassis()
	if err != nil {
		return nil, fmt.Errorf("failed to get chassis collection: %w", err)
	}
	if len(chassis) == 0 {
		return nil, fmt.Errorf("%w: no chassis found in BMC", ErrNoDevice)
	}
	return chassis, nil
}

func (r *RedfishChannel) determineStrategy(chassis []*redfish.Chassis) (RedfishStrategy, error) {
	for _, c := range chassis {
		if c == nil {
			continue
		}
		if _, err := readPowerSubsystem(c); err == nil {
			return RedfishPowerSubsystem, nil
		}
		if _, err := readPowerControl(c); err == nil {
			return RedfishPower, nil
		}
	}
	return RedfishUnknown, fmt.Errorf(
		"%w: neither PowerSubsystem nor Power API is available on any chassis (tested %d chassis)",
		ErrNoDevice, len(chassis))
}

func (r *RedfishChannel) Name() string {
	return "redfish"
}

// Strategy returns the resource power is read from.
func (r *RedfishChannel) Strategy() RedfishStrategy {
	return r.strategy
}

// Power returns the summed power of all chassis. Chassis that fail to
// report are skipped; an error is returned only if none report.
func (r *RedfishChannel) Power() (energy.Power, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chassis, err := r.chassis()
	if err != nil {
		return 0, err
	}

	var total energy.Power
	ok := 0
	for _, c := range chassis {
		if c == nil {
			continue
		}
		var p energy.Power
		switch r.strategy {
		case RedfishPowerSubsystem:
			p, err = readPowerSubsystem(c)
		default:
			p, err = readPowerControl(c)
		}
		if err != nil {
			r.logger.Debug("Failed to read power from chassis", "chassis_id", c.ID, "error", err)
			continue
		}
		total += p
		ok++
	}
	if ok == 0 {
		return 0, errors.New("no chassis with valid power readings found")
	}
	return total, nil
}

func (r *RedfishChannel) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	r.client.Logout()
	r.client = nil
	return nil
}

func readPowerSubsystem(c *redfish.Chassis) (energy.Power, error) {
	ps, err := c.PowerSubsystem()
	if err != nil {
		return 0, fmt.Errorf("failed to get power subsystem: %w", err)
	}
	if ps == nil {
		return 0, errors.New("no power subsystem available")
	}
	supplies, err := ps.PowerSupplies()
	if err != nil {
		return 0, fmt.Errorf("failed to get power supplies: %w", err)
	}

	var total energy.Power
	found := false
	for _, s := range supplies {
		if s.PowerOutputWatts == 0 {
			continue
		}
		total += energy.Power(s.PowerOutputWatts) * energy.Watt
		found = true
	}
	if !found {
		return 0, errors.New("no valid power readings found from power supplies")
	}
	return total, nil
}

func readPowerControl(c *redfish.Chassis) (energy.Power, error) {
	power, err := c.Power()
	if err != nil {
		return 0, fmt.Errorf("failed to get power information: %w", err)
	}
	if power == nil || len(power.PowerControl) == 0 {
		return 0, errors.New("no power control information available")
	}

	var total energy.Power
	found := false
	for _, pc := range power.PowerControl {
		if pc.PowerConsumedWatts == 0 {
			continue
		}
		total += energy.Power(pc.PowerConsumedWatts) * energy.Watt
		found = true
	}
	if !found {
		return 0, errors.New("no valid power readings found from power controls")
	}
	return total, nil
}
