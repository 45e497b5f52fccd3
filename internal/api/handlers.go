package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/database"
	"pricesync/internal/export"
	"pricesync/internal/service"
)

const maxRequestBody = 64 << 10

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrJobNotPending), errors.Is(err, database.ErrJobNotProcessing):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("queue api request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", service.ErrInvalidRequest)
	}
	return n, nil
}

func listRequest(r *http.Request) (service.ListJobsRequest, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return service.ListJobsRequest{}, err
	}
	q := r.URL.Query()
	return service.ListJobsRequest{
		Status:   strings.ToLower(strings.TrimSpace(q.Get("status"))),
		EntityID: strings.TrimSpace(q.Get("entity_id")),
		FamilyID: strings.TrimSpace(q.Get("family_id")),
		Limit:    limit,
	}, nil
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	req, err := listRequest(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.queue.ListJobs(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	req, err := listRequest(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var buf bytes.Buffer
	if err := s.queue.ExportJobs(r.Context(), &buf, req); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(time.Now())))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleJob serves GET /api/v1/queue/jobs/{id} and POST /api/v1/queue/jobs/{id}/cancel.
func (s *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/queue/jobs/"
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	idPart, action, _ := strings.Cut(rest, "/")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch action {
	case "":
		if !allow(w, r, http.MethodGet) {
			return
		}
		job, err := s.queue.GetJob(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "cancel":
		if !allow(w, r, http.MethodPost) {
			return
		}
		job, err := s.queue.CancelJob(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) handleEnqueueEntity(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req service.EnqueueEntityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	jobs, err := s.queue.EnqueueEntity(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs, "jobs_created": len(jobs)})
}

func (s *HTTPServer) handleEnqueueFamily(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req service.EnqueueFamilyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	jobs, err := s.queue.EnqueueFamily(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs, "jobs_created": len(jobs)})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Pattern string `json:"pattern"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.queue.RetryFailed(r.Context(), req.Pattern)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req service.PurgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.queue.Purge(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleReclaim(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		OlderThan string `json:"older_than"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.queue.Reclaim(r.Context(), req.OlderThan)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	issues, err := s.queue.Issues(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	jobs, err := s.queue.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *HTTPServer) handleLinks(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	var req service.LinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	link, err := s.queue.SetLink(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// handleItemSkip serves PUT /api/v1/items/{id}/skip with {"skip": bool}.
func (s *HTTPServer) handleItemSkip(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/items/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "skip" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !allow(w, r, http.MethodPut) {
		return
	}
	var req struct {
		Skip bool `json:"skip"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.queue.SetSkipSync(r.Context(), id, req.Skip); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "skip_sync": req.Skip})
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	audits, err := s.queue.Audits(r.Context(), strings.TrimSpace(r.URL.Query().Get("entity_id")), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits, "count": len(audits)})
}

func (s *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.queue.Pause(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.queue.Resume(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
