// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/sustainable-computing-io/energymon/internal/service"
)

// DefaultListenAddress is the address the API server listens on when none
// is configured
const DefaultListenAddress = ":28283"

var errNoListenAddress = errors.New("no listening address provided")

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

type endpoint struct {
	path        string
	summary     string
	description string
}

// APIServer serves the registered endpoints over HTTP, or HTTPS when the web
// config file enables TLS
type APIServer struct {
	logger *slog.Logger

	listenAddrs   []string
	webConfigFile string

	server *http.Server
	mux    *http.ServeMux

	mu        sync.RWMutex
	endpoints []endpoint
}

var (
	_ APIService         = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger        *slog.Logger
	listenAddrs   []string
	webConfigFile string
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the addresses the APIServer listens on
func WithListenAddress(addrs []string) OptionFn {
	return func(o *Opts) {
		o.listenAddrs = addrs
	}
}

// WithWebConfig sets the exporter-toolkit web config file enabling TLS and
// basic auth
func WithWebConfig(path string) OptionFn {
	return func(o *Opts) {
		o.webConfigFile = path
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		listenAddrs: []string{DefaultListenAddress},
	}
}

// NewAPIServer creates a new HTTPAPIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:        opts.logger.With("service", "api-server"),
		listenAddrs:   opts.listenAddrs,
		webConfigFile: opts.webConfigFile,
		mux:           mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.logger.Info("Initializing energymon server")
	if len(s.listenAddrs) == 0 {
		return errNoListenAddress
	}

	// landing page listing all registered endpoints
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(s.landingPage()); err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})
	return nil
}

func (s *APIServer) landingPage() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items strings.Builder
	for _, ep := range s.endpoints {
		fmt.Fprintf(&items, "\t<li> <a href=%q> %s </a> %s </li>\n", ep.path, ep.summary, ep.description)
	}

	return fmt.Appendf(nil, `<html>
<head><title>Energymon</title></head>
<body>
<h1>Energymon Service</h1>
<p>Available endpoints:</p>
<ul>
%s</ul>
</body>
</html>`, items.String())
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running energymon server", "listen", s.listenAddrs)

	flags := &web.FlagConfig{
		WebListenAddresses: &s.listenAddrs,
		WebConfigFile:      &s.webConfigFile,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, flags, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down energymon server on context done")
		return nil
	case err := <-errCh:
		s.logger.Error("energymon server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")
	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register adds a handler for path and lists it on the landing page. A path
// can only be registered once.
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.endpoints, func(ep endpoint) bool { return ep.path == path }) {
		return fmt.Errorf("endpoint %s already registered", path)
	}

	s.logger.Debug("Endpoint Registered", "endpoint", path)
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{path: path, summary: summary, description: description})
	return nil
}
