package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teranos/shiftly/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	route := func(pattern string, h http.HandlerFunc) {
		s.mux.HandleFunc(pattern, s.corsMiddleware(s.logRequests(h)))
	}

	route("POST /api/instant-jobs", s.HandleCreateJob)
	route("GET /api/instant-jobs/current", s.HandleCurrentJob)
	route("GET /api/instant-jobs/history", s.HandleHistory)
	route("GET /api/instant-jobs/{id}", s.HandleGetJob)
	route("GET /api/instant-jobs/{id}/waves", s.HandleWaves)
	route("POST /api/instant-jobs/{id}/accept", s.HandleAccept)
	route("POST /api/instant-jobs/{id}/confirm", s.HandleConfirm)
	route("GET /api/instant-jobs/{id}/contact", s.HandleContact)
	route("GET /api/instant-jobs/{id}/track", s.HandleTrack)
	route("POST /api/instant-jobs/{id}/arrival", s.HandleArrival)
	route("POST /api/instant-jobs/{id}/cancel", s.HandleCancel)
	route("POST /api/instant-jobs/{id}/completion/request", s.HandleRequestCompletion)
	route("POST /api/instant-jobs/{id}/completion/confirm", s.HandleConfirmCompletion)
	route("POST /api/instant-jobs/{id}/viewed", s.HandleViewed)
	route("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {})

	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
}

// corsMiddleware adds CORS headers for configured origins, matched by
// prefix so any port is accepted.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderActorID+", "+HeaderActorRole)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost", "https://localhost"}
	}
	for _, allowed := range origins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests logs each API call with its outcome.
func (s *Server) logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()[:8]
		w.Header().Set(HeaderRequestID, requestID)

		ctx := logger.WithComponent(logger.WithRequestID(r.Context(), requestID), "api")
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		fields := []interface{}{
			logger.FieldRequestID, requestID,
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			"code", rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if id := r.PathValue("id"); id != "" {
			fields = append(fields, logger.FieldJobID, shortID(id))
		}
		if actorID := r.Header.Get(HeaderActorID); actorID != "" {
			fields = append(fields, logger.FieldActorID, actorID)
		}

		if rec.status >= http.StatusInternalServerError {
			s.logger.Warnw("API request", fields...)
			return
		}
		s.logger.Debugw("API request", fields...)
	}
}
