package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// ReadinessCheck checks one dependency of the process.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// IntegrityChecker runs the GL integrity check on demand.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context, organizationID int64) (accounting.IntegrityReport, error)
	Tolerance() decimal.Decimal
}

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Metrics    *observability.Metrics
	JobHandler *jobs.Handler
	Integrity  IntegrityChecker
	Readiness  []ReadinessCheck
}

// NewRouter constructs the chi.Router serving health, metrics and job endpoints.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		status := map[string]string{}
		ready := true
		for _, check := range params.Readiness {
			if check.Check == nil {
				continue
			}
			if err := check.Check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("dependency", check.Name), slog.Any("error", err))
				status[check.Name] = "unavailable"
				ready = false
				continue
			}
			status[check.Name] = "ok"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, status)
	})

	if params.Integrity != nil {
		r.Get("/integrity", func(w http.ResponseWriter, r *http.Request) {
			var org int64
			if raw := r.URL.Query().Get("org"); raw != "" {
				parsed, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || parsed < 0 {
					httpx.RespondError(w, fmt.Errorf("org %q: %w", raw, httpx.ErrBadRequest))
					return
				}
				org = parsed
			}
			report, err := params.Integrity.CheckIntegrity(r.Context(), org)
			if err != nil {
				logger.Error("integrity check", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			code := http.StatusOK
			healthy := report.Healthy(params.Integrity.Tolerance())
			if !healthy {
				code = http.StatusConflict
			}
			httpx.JSON(w, code, integrityResponse{Healthy: healthy, Report: report})
		})
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

type integrityResponse struct {
	Healthy bool                       `json:"healthy"`
	Report  accounting.IntegrityReport `json:"report"`
}
