// Package httpapi exposes the dispatcher over HTTP: submission, status,
// listing, stats, and cancellation.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/dispatcher"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// Server serves the floq HTTP API.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/stats", s.handleStats)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
	})

	return r
}

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

// jobResponse is the wire representation of a job record. Payload and
// Result pass through as raw JSON when the codec is JSON; other codecs
// yield base64 via encoding/json's []byte handling.
type jobResponse struct {
	ID              string       `json:"id"`
	Kind            string       `json:"kind"`
	State           string       `json:"state"`
	MaxAttempts     int          `json:"max_attempts"`
	AttemptCount    int          `json:"attempt_count"`
	Result          []byte       `json:"result,omitempty"`
	Failure         *job.Failure `json:"failure,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	RunAt           time.Time    `json:"run_at"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func toJobResponse(j *job.Job) *jobResponse {
	return &jobResponse{
		ID:              j.ID.String(),
		Kind:            j.Kind,
		State:           string(j.State),
		MaxAttempts:     j.MaxAttempts,
		AttemptCount:    j.AttemptCount,
		Result:          j.Result,
		Failure:         j.Failure,
		LastError:       j.LastError,
		CancelRequested: j.CancelRequested,
		RunAt:           j.RunAt,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if req.Kind == "" {
		writeErr(w, http.StatusBadRequest, errors.New("kind is required"))
		return
	}

	var opts []job.Option
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, job.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = []byte(req.Payload)
	}

	jobID, err := s.Dispatcher.Submit(r.Context(), req.Kind, payload, opts...)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}

	j, err := s.Dispatcher.Status(r.Context(), jobID)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := job.State(r.URL.Query().Get("state"))
	if state == "" {
		state = job.StatePending
	}

	opts := job.ListOpts{Kind: r.URL.Query().Get("kind")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid offset %q", v))
			return
		}
		opts.Offset = n
	}

	jobs, err := s.Dispatcher.List(r.Context(), state, opts)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]*jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Dispatcher.Stats(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid job id: %w", err))
		return
	}

	if err := s.Dispatcher.Cancel(r.Context(), jobID); err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func writeStoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, floq.ErrJobNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeErr(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
