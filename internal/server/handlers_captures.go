package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/db"
	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/jonathan/court-capture/internal/types"
)

// CaptureResponse is the body returned for a finished capture.
type CaptureResponse struct {
	Run   *types.CaptureRun `json:"run"`
	Items any               `json:"items,omitempty"`
	Error string            `json:"error,omitempty"`
	Kind  string            `json:"kind,omitempty"`
}

// BatchRequest is the body of POST /captures/batch.
type BatchRequest struct {
	Requests    []pipeline.Request `json:"requests"`
	Concurrency int                `json:"concurrency,omitempty"`
}

// BatchResponse summarizes a batch; results keep the request order.
type BatchResponse struct {
	Results   []pipeline.BatchResult `json:"results"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
}

func captureResponse(out *pipeline.Outcome, err error) CaptureResponse {
	resp := CaptureResponse{}
	if out != nil {
		resp.Run = out.Run
		if out.Result != nil {
			resp.Items = out.Result.Items
		}
	}
	if err != nil {
		resp.Kind = string(capture.Classify(err))
		if out != nil && out.Run != nil && out.Run.Error != nil {
			// Already redacted.
			resp.Error = *out.Run.Error
		} else {
			resp.Error = err.Error()
		}
	}
	return resp
}

// handleCapture runs one capture synchronously.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	out, err := s.deps.Captures.Capture(r.Context(), req, nil)
	if err != nil {
		s.jsonResponse(w, HTTPStatus(err), captureResponse(out, err))
		return
	}
	s.jsonResponse(w, http.StatusOK, captureResponse(out, nil))
}

// handleCaptureStream runs one capture and streams its progress as SSE.
func (s *Server) handleCaptureStream(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	onProgress := func(event pipeline.ProgressEvent) {
		if err := sse.WriteEvent("progress", event); err != nil {
			s.logger.Warn("failed to write progress event", "error", err)
		}
	}

	out, err := s.deps.Captures.Capture(r.Context(), req, onProgress)
	resp := captureResponse(out, err)
	if err != nil {
		sse.WriteError(capture.Classify(err), resp.Error)
	} else {
		sse.WriteEvent("result", resp) //nolint:errcheck
	}
	if out != nil && out.Run != nil {
		sse.WriteComplete(out.Run.ID.String(), string(out.Run.Status))
	}
}

// handleBatch runs independent captures with bounded concurrency.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if len(req.Requests) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(req.Requests) > s.cfg.MaxBatchSize {
		s.errorResponse(w, http.StatusBadRequest,
			"batch exceeds maximum size of "+strconv.Itoa(s.cfg.MaxBatchSize))
		return
	}
	concurrency := req.Concurrency
	if concurrency <= 0 || concurrency > s.cfg.Concurrency {
		concurrency = s.cfg.Concurrency
	}

	results := s.deps.Captures.RunBatch(r.Context(), req.Requests, concurrency, nil)
	s.jsonResponse(w, http.StatusOK, batchResponse(results))
}

func batchResponse(results []pipeline.BatchResult) BatchResponse {
	resp := BatchResponse{Results: results}
	for _, res := range results {
		if res.Err != nil {
			resp.Failed++
		} else {
			resp.Completed++
		}
	}
	return resp
}

// handleCombined captures several datasets over one login. A session that could
// not be established fails every dataset and maps to the error's status.
func (s *Server) handleCombined(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CombinedRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	results, err := s.deps.Captures.CaptureCombined(r.Context(), req, nil)
	if err != nil && results == nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = HTTPStatus(err)
	}
	s.jsonResponse(w, status, batchResponse(results))
}

// handleGetCapture returns one recorded run.
func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid run ID format")
		return
	}

	run, err := s.deps.Store.GetCaptureRun(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get capture run", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to get capture run")
		return
	}
	if run == nil {
		s.errorResponse(w, http.StatusNotFound, "Capture run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleListCaptures lists recorded runs, newest first.
func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	filters, err := parseRunFilters(r)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	page, err := s.deps.Store.ListCaptureRuns(r.Context(), filters)
	if err != nil {
		s.logger.Error("failed to list capture runs", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list capture runs")
		return
	}
	s.jsonResponse(w, http.StatusOK, page)
}

func parseRunFilters(r *http.Request) (db.RunFilters, error) {
	q := r.URL.Query()
	var f db.RunFilters

	if v := q.Get("lawyer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, &ErrValidation{Field: "lawyer_id", Message: "must be a positive integer"}
		}
		f.LawyerID = id
	}
	f.TribunalCode = q.Get("tribunal_code")
	f.Kind = types.DatasetKind(q.Get("kind"))

	if v := q.Get("status"); v != "" {
		status := types.RunStatus(v)
		switch status {
		case types.RunStatusPending, types.RunStatusInProgress, types.RunStatusCompleted, types.RunStatusFailed:
			f.Status = status
		default:
			return f, &ErrValidation{Field: "status", Message: "unknown status " + strconv.Quote(v)}
		}
	}

	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &ErrValidation{Field: name, Message: "must be an RFC 3339 timestamp"}
		}
		*dst = &t
	}

	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &ErrValidation{Field: name, Message: "must be a non-negative integer"}
		}
		*dst = n
	}
	return f, nil
}
