package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
)

// HandleCreateJob handles POST /api/instant-jobs
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "create job")
		return
	}
	var req CreateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	job, err := s.engine.Create(r.Context(), a.ID, req)
	if err != nil {
		writeEngineError(w, s.logger, err, "create job")
		return
	}
	writeJSON(w, http.StatusCreated, JobResponse{Job: job})
}

// HandleCurrentJob handles GET /api/instant-jobs/current
func (s *Server) HandleCurrentJob(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, "")
	if err != nil {
		writeEngineError(w, s.logger, err, "current job")
		return
	}
	job, err := s.engine.GetCurrent(r.Context(), a.ID, a.Role)
	if err != nil {
		writeEngineError(w, s.logger, err, "current job")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job})
}

// HandleHistory handles GET /api/instant-jobs/history?page&limit&include_active
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleStudent)
	if err != nil {
		writeEngineError(w, s.logger, err, "history")
		return
	}

	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	includeActive := false
	if v := q.Get("include_active"); v != "" {
		if includeActive, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "include_active must be a boolean")
			return
		}
	}

	hist, err := s.engine.GetHistory(r.Context(), a.ID, page, limit, includeActive)
	if err != nil {
		writeEngineError(w, s.logger, err, "history")
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// HandleGetJob handles GET /api/instant-jobs/{id}[?expand=parties]
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, "")
	if err != nil {
		writeEngineError(w, s.logger, err, "get job")
		return
	}
	jobID := r.PathValue("id")

	if r.URL.Query().Get("expand") != "parties" {
		job, err := s.engine.GetStatus(r.Context(), jobID)
		if err != nil {
			writeEngineError(w, s.logger, err, "get job")
			return
		}
		writeJSON(w, http.StatusOK, JobResponse{Job: job})
		return
	}

	detail, err := s.engine.GetDetail(r.Context(), jobID)
	if err != nil {
		writeEngineError(w, s.logger, err, "get job detail")
		return
	}
	if a.ID != detail.EmployerID && a.ID != detail.CurrentStudent() {
		writeEngineError(w, s.logger, errors.NewForbiddenError("user %s is not a party to job %s", a.ID, jobID), "get job detail")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// HandleWaves handles GET /api/instant-jobs/{id}/waves
func (s *Server) HandleWaves(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "waves")
		return
	}
	jobID := r.PathValue("id")

	job, err := s.engine.GetStatus(r.Context(), jobID)
	if err != nil {
		writeEngineError(w, s.logger, err, "waves")
		return
	}
	if job.EmployerID != a.ID {
		writeEngineError(w, s.logger, errors.NewForbiddenError("employer %s does not own job %s", a.ID, jobID), "waves")
		return
	}

	waves, err := s.engine.GetWaves(r.Context(), jobID)
	if err != nil {
		writeEngineError(w, s.logger, err, "waves")
		return
	}
	writeJSON(w, http.StatusOK, WavesResponse{JobID: jobID, Waves: waves, Count: len(waves)})
}

// HandleAccept handles POST /api/instant-jobs/{id}/accept
func (s *Server) HandleAccept(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleStudent)
	if err != nil {
		writeEngineError(w, s.logger, err, "accept")
		return
	}
	jobID := r.PathValue("id")

	deadline, err := s.engine.Accept(r.Context(), jobID, a.ID)
	if err != nil {
		writeEngineError(w, s.logger, err, "accept")
		return
	}
	writeJSON(w, http.StatusOK, AcceptResponse{JobID: jobID, LockExpiresAt: deadline})
}

// HandleConfirm handles POST /api/instant-jobs/{id}/confirm
func (s *Server) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "confirm")
		return
	}
	var req ConfirmRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Confirm == nil {
		writeError(w, http.StatusBadRequest, "confirm is required")
		return
	}
	jobID := r.PathValue("id")

	if err := s.engine.ConfirmOrReject(r.Context(), jobID, a.ID, *req.Confirm); err != nil {
		writeEngineError(w, s.logger, err, "confirm")
		return
	}
	s.respondWithJob(w, r, jobID, "confirm")
}

// HandleContact handles GET /api/instant-jobs/{id}/contact
func (s *Server) HandleContact(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, "")
	if err != nil {
		writeEngineError(w, s.logger, err, "contact")
		return
	}
	info, err := s.engine.GetContactInfo(r.Context(), r.PathValue("id"), a.ID)
	if err != nil {
		writeEngineError(w, s.logger, err, "contact")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleTrack handles GET /api/instant-jobs/{id}/track
func (s *Server) HandleTrack(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "track")
		return
	}
	tracking, err := s.engine.TrackStudent(r.Context(), r.PathValue("id"), a.ID)
	if err != nil {
		writeEngineError(w, s.logger, err, "track")
		return
	}
	writeJSON(w, http.StatusOK, tracking)
}

// HandleArrival handles POST /api/instant-jobs/{id}/arrival
func (s *Server) HandleArrival(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, "")
	if err != nil {
		writeEngineError(w, s.logger, err, "arrival")
		return
	}
	job, err := s.engine.ConfirmArrival(r.Context(), r.PathValue("id"), a.ID, a.Role)
	if err != nil {
		writeEngineError(w, s.logger, err, "arrival")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job})
}

// HandleCancel handles POST /api/instant-jobs/{id}/cancel
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "cancel")
		return
	}
	res, err := s.engine.Cancel(r.Context(), r.PathValue("id"), a.ID)
	if err != nil {
		writeEngineError(w, s.logger, err, "cancel")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRequestCompletion handles POST /api/instant-jobs/{id}/completion/request
func (s *Server) HandleRequestCompletion(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleStudent)
	if err != nil {
		writeEngineError(w, s.logger, err, "request completion")
		return
	}
	jobID := r.PathValue("id")

	deadline, err := s.engine.RequestCompletion(r.Context(), jobID, a.ID)
	if err != nil {
		writeEngineError(w, s.logger, err, "request completion")
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{JobID: jobID, AutoCompleteAt: deadline})
}

// HandleConfirmCompletion handles POST /api/instant-jobs/{id}/completion/confirm
func (s *Server) HandleConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, instant.RoleEmployer)
	if err != nil {
		writeEngineError(w, s.logger, err, "confirm completion")
		return
	}
	jobID := r.PathValue("id")

	if err := s.engine.ConfirmCompletion(r.Context(), jobID, a.ID); err != nil {
		writeEngineError(w, s.logger, err, "confirm completion")
		return
	}
	s.respondWithJob(w, r, jobID, "confirm completion")
}

// HandleViewed handles POST /api/instant-jobs/{id}/viewed
func (s *Server) HandleViewed(w http.ResponseWriter, r *http.Request) {
	a, err := actorFromRequest(r, "")
	if err != nil {
		writeEngineError(w, s.logger, err, "viewed")
		return
	}
	job, err := s.engine.MarkViewed(r.Context(), r.PathValue("id"), a.ID, a.Role)
	if err != nil {
		writeEngineError(w, s.logger, err, "viewed")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job})
}

func (s *Server) respondWithJob(w http.ResponseWriter, r *http.Request, jobID, op string) {
	job, err := s.engine.GetStatus(r.Context(), jobID)
	if err != nil {
		writeEngineError(w, s.logger, err, op)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job})
}

// intParam parses an optional integer query parameter; empty is zero.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
