// Package ops serves the operational HTTP surface of the follow-up core:
// liveness, readiness, synchronizer status and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/scheduler"
	"github.com/serbia-gov/followup/internal/shared/errors"
	"github.com/serbia-gov/followup/internal/shared/metrics"
	secmiddleware "github.com/serbia-gov/followup/internal/shared/middleware"
	"github.com/serbia-gov/followup/internal/syncer"
	"go.uber.org/zap"
)

// freshnessFactor bounds the watermark age relative to the sync interval
const freshnessFactor = 3

type Pinger interface {
	Ping(ctx context.Context) error
}

type SourceChecker interface {
	Health(ctx context.Context) error
}

type WatermarkReader interface {
	Watermark(ctx context.Context) (*domain.Watermark, error)
}

// SyncControl is the part of the scheduler exposed over HTTP
type SyncControl interface {
	Status() scheduler.Status
	ForceRunNow(ctx context.Context) (syncer.SyncReport, error)
	SetInterval(d time.Duration) error
}

// Handler serves the ops routes
type Handler struct {
	store     Pinger
	source    SourceChecker
	watermark WatermarkReader
	sync      SyncControl
	log       *zap.Logger
	now       func() time.Time
}

// NewHandler creates the ops handler
func NewHandler(store Pinger, source SourceChecker, watermark WatermarkReader, sync SyncControl, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:     store,
		source:    source,
		watermark: watermark,
		sync:      sync,
		log:       log.With(zap.String("component", "ops")),
		now:       time.Now,
	}
}

// Routes returns the router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.LimitBody)
	r.Use(metrics.Middleware)

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", h.syncStatus)
		r.Post("/run", h.syncRun)
		r.Put("/interval", h.syncInterval)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"database": checkResult(h.store.Ping(ctx)),
		"source":   checkResult(h.source.Health(ctx)),
		"sync":     h.checkFreshness(ctx),
	}

	allReady := true
	for _, status := range checks {
		if status != "ready" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

// checkFreshness requires a successful run within freshnessFactor intervals
func (h *Handler) checkFreshness(ctx context.Context) string {
	w, err := h.watermark.Watermark(ctx)
	if err != nil {
		return "not ready: " + err.Error()
	}
	if w == nil {
		return "not ready: no successful sync yet"
	}

	interval := h.sync.Status().Interval
	if interval <= 0 {
		return "ready"
	}
	if age := h.now().Sub(w.LastSuccessAt); age > freshnessFactor*interval {
		return "not ready: last successful sync " + age.Round(time.Second).String() + " ago"
	}
	return "ready"
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status())
}

func (h *Handler) syncRun(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.ForceRunNow(r.Context())
	if err != nil {
		h.log.Warn("forced sync failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

func (h *Handler) syncInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	d, err := time.ParseDuration(req.Interval)
	if err != nil || d <= 0 {
		writeError(w, errors.Validation("interval must be a positive duration", map[string]string{"interval": req.Interval}))
		return
	}

	if err := h.sync.SetInterval(d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sync.Status())
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func checkResult(err error) string {
	if err != nil {
		return "not ready: " + err.Error()
	}
	return "ready"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
