// Package httpapi exposes a queue to a presentation layer over HTTP.
//
// Routes:
//
//	GET    /health
//	GET    /status              {is_online, queue_size, syncing, state}
//	POST   /process             manual drain trigger
//	GET    /operations          queued operations in delivery order
//	POST   /operations          enqueue {kind, resource, payload, intent}
//	DELETE /operations/{id}     cancel a queued operation
//	PUT    /connectivity        platform network signal {online}
//	GET    /events              websocket stream of engine events
//
// Errors are JSON objects {code, message}.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/op"
	"github.com/roach88/offq/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Queue is the engine surface the API serves. Implemented by
// *engine.Drainer.
type Queue interface {
	Enqueue(ctx context.Context, req engine.Request) (op.Operation, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]op.Operation, error)
	Status(ctx context.Context) (engine.Status, error)
	ProcessQueue()
	Subscribe(fn func(engine.Event)) (unsubscribe func())
}

// ReportFunc forwards a platform connectivity signal.
type ReportFunc func(ctx context.Context, online bool)

// Option configures a Server.
type Option func(*Server)

// WithOriginPatterns allows websocket connections from other origins.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithEventBuffer sets how many events a websocket client may lag behind.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// Server routes requests to a Queue.
type Server struct {
	queue          Queue
	report         ReportFunc
	originPatterns []string
	eventBuffer    int
	router         chi.Router
}

// New builds the router. report may be nil, in which case PUT
// /connectivity answers 501.
func New(q Queue, report ReportFunc, opts ...Option) *Server {
	s := &Server{queue: q, report: report, eventBuffer: DefaultEventBuffer}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/status", s.handleStatus)
		r.Post("/process", s.handleProcess)
		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleEnqueue)
			r.Delete("/{id}", s.handleCancel)
		})
		r.Put("/connectivity", s.handleConnectivity)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.queue.ProcessQueue()
	w.WriteHeader(http.StatusAccepted)
}

type listResponse struct {
	Operations []op.Operation `json:"operations"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.List(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if ops == nil {
		ops = []op.Operation{}
	}
	writeJSON(w, http.StatusOK, listResponse{Operations: ops})
}

type enqueueRequest struct {
	Kind     string          `json:"kind"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload"`
	Intent   string          `json:"intent,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	kind, err := op.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	stored, err := s.queue.Enqueue(r.Context(), engine.Request{
		Kind:     kind,
		Resource: req.Resource,
		Payload:  payload,
		Intent:   req.Intent,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, stored)
	case engine.IsStorageExhausted(err):
		writeError(w, http.StatusInsufficientStorage, string(engine.ErrCodeStorageExhausted), err.Error())
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, op.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeInternal(w, r, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Cancel(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrInFlight):
		writeError(w, http.StatusConflict, "in_flight", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeInternal(w, r, err)
	}
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.report == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "connectivity is not reported over http")
		return
	}
	var req connectivityRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", `"online" is required`)
		return
	}
	s.report(context.WithoutCancel(r.Context()), *req.Online)
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
