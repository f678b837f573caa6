// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sustainable-computing-io/energymon/internal/energymon"
	"github.com/sustainable-computing-io/energymon/internal/service"
)

// ReadingProvider gives access to the cumulative energy reading
type ReadingProvider interface {
	// Snapshot reads the energy source
	Snapshot() (energymon.Reading, error)
	// Last returns the most recent reading; the zero Reading if none was taken
	Last() energymon.Reading
}

type probe struct {
	api      APIService
	readings ReadingProvider
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

// NewProbe creates a new probe service that provides health check endpoints
func NewProbe(api APIService, readings ReadingProvider) *probe {
	return &probe{
		api:      api,
		readings: readings,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /probe/readyz", p.readyzHandler)
	mux.HandleFunc("GET /probe/livez", p.livezHandler)
	return mux
}

// readyzHandler reports ready once a reading has been published
func (p *probe) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	last := p.readings.Last()
	if last.Timestamp.IsZero() {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no energy reading yet",
		})
		return
	}

	respond(w, http.StatusOK, map[string]string{
		"status": "ok",
		"source": last.Source,
	})
}

// livezHandler reports alive while the energy source can be read
func (p *probe) livezHandler(w http.ResponseWriter, _ *http.Request) {
	if _, err := p.readings.Snapshot(); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not alive",
			"reason": err.Error(),
		})
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "alive"})
}

type readingResponse struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	TotalUJ     uint64    `json:"total_uj"`
	IntervalUS  int64     `json:"interval_us"`
	PrecisionUJ uint64    `json:"precision_uj"`
	TotalJoules float64   `json:"total_joules"`
}

// NewReadingAPI serves the latest reading as JSON
func NewReadingAPI(api APIService, readings ReadingProvider) *readingAPI {
	return &readingAPI{api: api, readings: readings}
}

type readingAPI struct {
	api      APIService
	readings ReadingProvider
}

var _ service.Initializer = (*readingAPI)(nil)

func (r *readingAPI) Name() string {
	return "reading-api"
}

func (r *readingAPI) Init() error {
	return r.api.Register("/api/v1/energy", "Energy", "Cumulative energy reading as JSON", http.HandlerFunc(r.handle))
}

// handle returns the last published reading; ?fresh=true reads the source
func (r *readingAPI) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reading := r.readings.Last()
	if req.URL.Query().Get("fresh") == "true" || reading.Timestamp.IsZero() {
		var err error
		if reading, err = r.readings.Snapshot(); err != nil {
			respond(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
	}

	respond(w, http.StatusOK, readingResponse{
		Timestamp:   reading.Timestamp.UTC(),
		Source:      reading.Source,
		TotalUJ:     reading.Total.MicroJoules(),
		IntervalUS:  reading.Interval.Microseconds(),
		PrecisionUJ: reading.Precision.MicroJoules(),
		TotalJoules: reading.Total.Joules(),
	})
}

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
