package server

import (
	"net/http"
	"time"

	"github.com/teranos/shiftly/version"
)

// HealthResponse is served on /health.
type HealthResponse struct {
	Status        string      `json:"status"`
	State         string      `json:"state"`
	Version       string      `json:"version"`
	Commit        string      `json:"commit"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Subscribers   int         `json:"subscribers"`
	Published     uint64      `json:"published"`
	Dropped       uint64      `json:"dropped"`
	ActiveWaves   *int        `json:"active_wave_loops,omitempty"`
	Sweep         interface{} `json:"sweep,omitempty"`
}

// HandleHealth serves health check endpoint with version info
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	hub := s.hub.Stats()

	resp := HealthResponse{
		Status:        "ok",
		State:         stateString(s.getState()),
		Version:       info.Version,
		Commit:        info.Short(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Subscribers:   hub.Subscribers,
		Published:     hub.Published,
		Dropped:       hub.Dropped,
	}
	if s.dispatcher != nil {
		n := s.dispatcher.Active()
		resp.ActiveWaves = &n
	}
	if s.sweeper != nil {
		resp.Sweep = s.sweeper.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
