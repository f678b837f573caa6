// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/energymon/internal/service"
)

// named runtime profiles served in addition to the index
var profiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

// PprofService exposes the runtime profiles under /debug/pprof/ on the API
// server. It is meant for debugging the sampler's CPU and allocation cost.
type PprofService struct {
	logger *slog.Logger
	api    APIService
}

var (
	_ service.Service     = (*PprofService)(nil)
	_ service.Initializer = (*PprofService)(nil)
)

func NewPprof(api APIService, logger *slog.Logger) *PprofService {
	return &PprofService{
		logger: logger.With("service", "pprof"),
		api:    api,
	}
}

func (p *PprofService) Name() string {
	return "pprof"
}

func (p *PprofService) Init() error {
	p.logger.Warn("pprof endpoints enabled; do not expose them publicly")
	return p.api.Register("/debug/pprof/", "pprof", "Profiling Data", pprofHandlers())
}

func pprofHandlers() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range profiles {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}
