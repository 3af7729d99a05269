// Package gateway exposes the HTTP Surface: enqueueing invocations,
// subscribing to their trace output, and CRUD over Functions, Tasks, and
// config rows. Authentication (JWT verification) is an external
// collaborator's job; this package only reads a bearer token's presence
// when AuthRequired is set and leaves verification to a reverse proxy.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/bus"
	"github.com/latticerun/core/internal/config"
	"github.com/latticerun/core/internal/store"
	"github.com/latticerun/core/internal/subscriber"
)

type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Subscriber *subscriber.Subscriber
	Logger     *slog.Logger
	CORS       config.CORSConfig

	// AuthRequired, when true, rejects requests with no Authorization
	// header. The runtime never verifies the token's signature itself.
	AuthRequired bool
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	cors := NewCORSMiddleware(s.cfg.CORS)
	return cors(RequestSizeLimitMiddleware(0)(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /api/queue/enqueue", s.handleEnqueue)
	s.mux.HandleFunc("POST /api/queue/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("GET /api/queue/{id}", s.handleGetEntry)

	s.mux.HandleFunc("POST /api/functions", s.handleCreateFunction)
	s.mux.HandleFunc("GET /api/functions", s.handleListFunctions)
	s.mux.HandleFunc("GET /api/functions/{name}", s.handleGetFunction)
	s.mux.HandleFunc("PUT /api/functions/{name}", s.handleUpdateFunction)
	s.mux.HandleFunc("DELETE /api/functions/{name}", s.handleDeleteFunction)

	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PUT /api/tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)

	s.mux.HandleFunc("GET /api/config/{key}", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config/{key}", s.handlePutConfig)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authorize(r *http.Request) bool {
	if !s.cfg.AuthRequired {
		return true
	}
	return r.Header.Get("Authorization") != ""
}

// --- queue ---

type enqueueRequest struct {
	TaskID string `json:"taskId"`
	Params string `json:"params"`
}

type enqueueResponse struct {
	QueueID string `json:"queue_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, &apierr.ValidationError{Field: "taskId", Message: "required"})
		return
	}
	if req.Params == "" {
		req.Params = "{}"
	}
	queueID, err := s.cfg.Store.Enqueue(r.Context(), req.TaskID, req.Params)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicQueueStateChanged, bus.QueueStateChangedEvent{
			QueueID: queueID, TaskID: req.TaskID, OldStatus: "", NewStatus: store.StatusQueued,
		})
	}
	writeJSON(w, http.StatusOK, enqueueResponse{QueueID: queueID})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	id := r.PathValue("id")
	entry, err := s.cfg.Store.GetEntry(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type subscribeRequest struct {
	QueueID string `json:"queue_id"`
}

// handleSubscribe implements POST /api/queue/subscribe with JSON body
// {queue_id} as a server-sent-events stream of trace records, ending
// after the entry reaches a terminal status.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queueID := req.QueueID
	if queueID == "" {
		writeError(w, http.StatusBadRequest, &apierr.ValidationError{Field: "queue_id", Message: "required"})
		return
	}
	if s.cfg.Subscriber == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("subscriber not configured"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	err := s.cfg.Subscriber.Subscribe(r.Context(), queueID, func(tr store.Trace) error {
		data, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug("subscribe stream ended", "queue_id", queueID, "error", err)
		return
	}
	if r.Context().Err() == nil {
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}
}

// --- functions ---

func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var fn store.Function
	if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.cfg.Store.CreateFunction(r.Context(), fn)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	out, err := s.cfg.Store.ListFunctions(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	out, err := s.cfg.Store.GetFunctionByName(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var fn store.Function
	if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := r.PathValue("name")
	out, err := s.cfg.Store.UpdateFunction(r.Context(), name, fn)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	if err := s.cfg.Store.DeleteFunction(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var cfg store.TaskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), cfg)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	out, err := s.cfg.Store.ListTasks(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	task, fn, err := s.cfg.Store.GetTaskByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "function": fn})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var req struct {
		RetryCount int `json:"retry_count"`
		RetryDelay int `json:"retry_delay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.cfg.Store.UpdateTask(r.Context(), r.PathValue("id"), req.RetryCount, req.RetryDelay)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	if err := s.cfg.Store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	val, err := s.cfg.Store.GetConfig(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": r.PathValue("key"), "value": val})
}

type putConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Store.PutConfig(r.Context(), r.PathValue("key"), req.Value); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusForError maps the shared error taxonomy to HTTP status codes.
func statusForError(err error) int {
	var notFound *apierr.NotFoundError
	var validation *apierr.ValidationError
	var conflict *apierr.NameConflictError
	var timeout *apierr.TimeoutError
	var handler *apierr.HandlerError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &handler):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
