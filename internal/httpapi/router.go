// Package httpapi serves the queue's HTTP surface: health, Prometheus
// metrics, task submission and the processing introspection endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/internal/worker"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Service is what the router needs from the controller.
type Service interface {
	CreateTask(ctx context.Context, in types.NewTask) (*types.TaskRecord, error)
	GetTask(ctx context.Context, id types.TaskID) (*types.TaskRecord, error)
	ManualRequeue(ctx context.Context, id types.TaskID) (bool, error)
	RecentEvents() []string
	WorkerStatus() worker.WorkerStatus
	GetStatus(ctx context.Context) (controller.Status, error)
}

var _ Service = (*controller.Controller)(nil)

type api struct {
	svc    Service
	logger *slog.Logger
}

// NewRouter builds the handler. gatherer may be nil, in which case /metrics
// is not mounted.
func NewRouter(svc Service, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.status)

		r.Route("/processing", func(r chi.Router) {
			r.Get("/events", a.recentEvents)
			r.Get("/workers", a.workerStatus)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", a.createTask)
			r.Get("/{id}", a.getTask)
			r.Post("/{id}/requeue", a.requeueTask)
		})
	})
	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes v as JSON with the given status code.
func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("writeJSON: encode failed", "error", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.GetStatus(r.Context())
	if err != nil {
		a.logger.Error("status failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *api) recentEvents(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.svc.RecentEvents())
}

func (a *api) workerStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.svc.WorkerStatus())
}

func (a *api) createTask(w http.ResponseWriter, r *http.Request) {
	var in types.NewTask
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := a.svc.CreateTask(r.Context(), in)
	switch {
	case errors.Is(err, controller.ErrInvalidTask):
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, worker.ErrPoolClosed):
		a.writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
		return
	case err != nil:
		a.logger.Error("create task failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	w.Header().Set("Location", "/api/tasks/"+string(rec.ID))
	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	rec, err := a.svc.GetTask(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "task not found")
		return
	case err != nil:
		a.logger.Error("get task failed", "task_id", id, "error", err)
		a.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

// requeueTask answers 409 when the task is missing or not FAILED.
func (a *api) requeueTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	ok, err := a.svc.ManualRequeue(r.Context(), id)
	if err != nil {
		a.logger.Error("requeue failed", "task_id", id, "error", err)
		a.writeError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	if !ok {
		a.writeError(w, http.StatusConflict, "task is not in FAILED status")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"id": id, "requeued": true})
}
