// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"
	"log/slog"
)

// Init initializes all services that implement the Initializer interface, in
// order. If any service fails to initialize, the services initialized before
// it are shut down in reverse order and their shutdown errors are joined to
// the returned error.
func Init(logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			logger.Debug("skipping service initialization", "service", s.Name(),
				"reason", "service does not implement Initializer")
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			initErr := fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			logger.Info("Shutting down initialized services")
			return errors.Join(initErr, Shutdown(logger, initialized))
		}
		initialized = append(initialized, s)
	}
	return nil
}

// Shutdown shuts down all services that implement the Shutdowner interface,
// last service first, and returns every shutdown error joined.
func Shutdown(logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		srv, ok := s.(Shutdowner)
		if !ok {
			logger.Debug("skipping service shutdown", "service", s.Name(),
				"reason", "service does not implement Shutdowner")
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("failed to shutdown service %s: %w", s.Name(), err))
			continue
		}
		logger.Debug("service shutdown successfully", "service", s.Name())
	}
	return errors.Join(errs...)
}
