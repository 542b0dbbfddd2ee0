package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/engine"
	"github.com/kingrea/trellis/internal/workflow/status"
)

type healthResponse struct {
	Status        string `json:"status"`
	Persistence   string `json:"persistence"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SubmitRequest is the POST /tasks body.
type SubmitRequest struct {
	Tasks []workflow.Descriptor `json:"tasks"`
}

// SubmitResponse lists the accepted tasks.
type SubmitResponse struct {
	Tasks []workflow.Task `json:"tasks"`
}

// TaskResponse is a task plus its recorded output, if any.
type TaskResponse struct {
	Task   workflow.Task   `json:"task"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ConcurrencyRequest is the PUT /concurrency body. Zero means unlimited.
type ConcurrencyRequest struct {
	Limit *int `json:"limit"`
}

// ConcurrencyResponse reports the active limit.
type ConcurrencyResponse struct {
	Limit int `json:"limit"`
}

// ErrorResponse carries a failure back to the client.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.Summarize()
	resp := healthResponse{
		Status:        string(s.Status()),
		Persistence:   summary.Health.Persistence,
		UptimeSeconds: s.uptimeSeconds(),
	}
	code := http.StatusOK
	if summary.Health.Persistence == status.PersistenceDegraded {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Summarize())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.engine.Task(id)
	if !ok {
		writeError(w, workflow.NotFoundError(id))
		return
	}
	resp := TaskResponse{Task: task}
	if output, ok := s.engine.Output(id); ok {
		resp.Output = output
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	batch, err := workflow.ParseBatchJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON"})
		return
	}
	if len(batch.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "no tasks in request"})
		return
	}
	tasks, err := s.engine.Submit(r.Context(), batch.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("api: batch accepted", zap.Int("tasks", len(tasks)))
	writeJSON(w, http.StatusCreated, SubmitResponse{Tasks: tasks})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskResponse{Task: task})
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConcurrencyResponse{Limit: s.engine.ConcurrencyLimit()})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req ConcurrencyRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Limit == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit is required"})
		return
	}
	if err := s.engine.SetConcurrencyLimit(*req.Limit); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("api: concurrency limit changed", zap.Int("limit", *req.Limit))
	writeJSON(w, http.StatusOK, ConcurrencyResponse{Limit: s.engine.ConcurrencyLimit()})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	all := s.engine.Transitions()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if all == nil {
		all = []engine.Transition{}
	}
	writeJSON(w, http.StatusOK, all)
}

// handleEvents streams transitions as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "event stream disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}
	replay := r.URL.Query().Get("replay") != "false"
	sub := s.feed.Subscribe(r.URL.Query().Get("task"), replay)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("api: encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: transition\ndata: %s\n\n", event.Seq, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "empty body"})
		return nil, false
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload exceeds limit"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unable to read body"})
		return nil, false
	}
	return body, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrDuplicateTask), errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrCyclicDependency),
		errors.Is(err, workflow.ErrUnknownDependency),
		errors.Is(err, workflow.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var graphErr *workflow.GraphError
	if errors.As(err, &graphErr) {
		resp.Kind = graphErr.Kind.Error()
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
