// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"

	"github.com/oklog/run"
)

// Run runs all services that implement the Runner interface until the first
// of them returns, then interrupts the rest. Each runner is shut down when it
// is interrupted; services that only implement Shutdowner are shut down, in
// reverse order, once every runner has returned.
// It returns the error of the runner that ended the group.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	logger.Info("Running all services")
	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	var passive []Service
	for _, svc := range services {
		r, ok := svc.(Runner)
		if !ok {
			logger.Debug("not a runner", "service", svc.Name())
			passive = append(passive, svc)
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}

				shutdowner, ok := svc.(Shutdowner)
				if !ok {
					logger.Debug("skipping service shutting down", "service", svc.Name(),
						"reason", "service does not implement Shutdowner interface")
					return
				}

				logger.Info("shutting down", "service", svc.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed with error", "service", svc.Name(), "error", shutdownErr)
				}
			},
		)
	}

	err := g.Run()
	if shutdownErr := Shutdown(logger, passive); shutdownErr != nil {
		logger.Warn("service shutdown failed with error", "error", shutdownErr)
	}
	return err
}
