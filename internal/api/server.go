// Package api exposes the live task projections, the polled collections and
// the command surface over a local JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	app "github.com/starikovyaroslav/quantify/internal/app/quantize"
	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/internal/infra/transport/rest"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
	"github.com/starikovyaroslav/quantify/pkg/common/otel"
)

// Tasks is the task side of the orchestrator.
type Tasks interface {
	Submit(ctx context.Context, payload quantize.Payload, params quantize.SubmitParams) (quantize.TaskView, error)
	Task(id string) (quantize.TaskView, bool)
	Tasks() []quantize.TaskView
}

// Commands resolves cancellation and deletion.
type Commands interface {
	CancelTask(ctx context.Context, id string) (app.Action, error)
	DeleteTask(ctx context.Context, id string) error
	CancelAll(ctx context.Context) (int, error)
}

// Lists serves the polled collections.
type Lists interface {
	History() []quantize.ListItem
	Active() []quantize.ListItem
	Snapshot(kind quantize.ListKind) quantize.ListSnapshot
	RefreshHistory(ctx context.Context) error
}

// HealthChecker probes the remote service.
type HealthChecker interface {
	Health(ctx context.Context) (rest.HealthReport, error)
}

// Config holds the listener settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// MaxUploadSize caps the image accepted by POST /v1/tasks.
	MaxUploadSize int64
}

const (
	defaultAddr            = "127.0.0.1:8090"
	defaultShutdownTimeout = 30 * time.Second
	multipartOverhead      = 1 << 20
)

type Server struct {
	cfg      Config
	logger   *logger.Logger
	router   *chi.Mux
	tracer   trace.Tracer
	metrics  APIMetrics
	tasks    Tasks
	commands Commands
	lists    Lists
	health   HealthChecker
}

// NewServer wires the routes. health may be nil.
func NewServer(
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics APIMetrics,
	tasks Tasks,
	commands Commands,
	lists Lists,
	health HealthChecker,
) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = quantize.DefaultMaxFileSize
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "api"),
		router:   r,
		tracer:   tracer,
		metrics:  metrics,
		tasks:    tasks,
		commands: commands,
		lists:    lists,
		health:   health,
	}

	s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger, metrics APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				duration := time.Since(start)
				route := routePattern(r)
				if metrics != nil {
					metrics.IncRequestsTotal(ctx, r.Method, route, ww.Status())
					metrics.ObserveRequestDuration(ctx, r.Method, route, duration)
				}
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", duration,
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern keeps metric cardinality bounded by task ids.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListTasks)
			r.Post("/cancel-all", s.handleCancelAll)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})

		r.Get("/history", s.handleHistory)
		r.Post("/history/refresh", s.handleRefreshHistory)
		r.Get("/active", s.handleActive)
		r.Get("/entries", s.handleEntries)
	})
}

type healthResponse struct {
	Status string             `json:"status"`
	Remote *rest.HealthReport `json:"remote,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	report, err := s.health.Health(r.Context())
	if err != nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: err.Error()})
		return
	}
	s.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Remote: &report})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.metrics != nil {
		s.metrics.IncUploadsTotal(ctx)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.uploadError(ctx, "form")
		s.writeError(w, r, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.uploadError(ctx, "read")
		s.writeError(w, r, http.StatusBadRequest, "failed to read upload")
		return
	}

	params, err := paramsFromForm(r)
	if err != nil {
		s.uploadError(ctx, "params")
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := quantize.NewPayload(header.Filename, data, header.Header.Get("Content-Type"), s.cfg.MaxUploadSize)
	if err != nil {
		s.uploadError(ctx, "payload")
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	view, err := s.tasks.Submit(ctx, payload, params)
	if err != nil {
		s.uploadError(ctx, "submit")
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, view)
}

// paramsFromForm reads width, height and quality, falling back to the
// defaults for absent fields.
func paramsFromForm(r *http.Request) (quantize.SubmitParams, error) {
	params := quantize.DefaultSubmitParams()
	fields := []struct {
		name string
		dst  *int
	}{
		{"width", &params.Width},
		{"height", &params.Height},
		{"quality", &params.Quality},
	}
	for _, f := range fields {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, errors.New(f.name + " must be an integer")
		}
		*f.dst = n
	}
	return params, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.tasks.Tasks())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, ok := s.tasks.Task(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, r, http.StatusNotFound, quantize.ErrTaskNotFound.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, view)
}

type cancelResponse struct {
	ID     string     `json:"id"`
	Action app.Action `json:"action"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action, err := s.commands.CancelTask(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cancelResponse{ID: id, Action: action})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelAllResponse struct {
	CancelledCount int `json:"cancelled_count"`
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.commands.CancelAll(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cancelAllResponse{CancelledCount: n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.lists.Snapshot(quantize.ListHistory))
}

func (s *Server) handleRefreshHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.lists.RefreshHistory(r.Context()); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.lists.Snapshot(quantize.ListHistory))
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.lists.Snapshot(quantize.ListActive))
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, app.MergeEntries(s.lists.Active(), s.lists.History(), s.tasks.Tasks()))
}

func (s *Server) uploadError(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.IncUploadErrors(ctx, reason)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, quantize.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, quantize.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, quantize.ErrAlreadyCancelled),
		errors.Is(err, quantize.ErrTaskActive),
		errors.Is(err, quantize.ErrNoActiveTasks):
		return http.StatusConflict
	case errors.Is(err, app.ErrOrchestratorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, quantize.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, quantize.ErrSubmission):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	s.writeError(w, r, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, r, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
