package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	invoicinghttp "github.com/kgsl/invoicing/internal/invoicing/http"
	"github.com/kgsl/invoicing/internal/observability"
	"github.com/kgsl/invoicing/internal/platform/httpx"
	"github.com/kgsl/invoicing/jobs"
	"github.com/kgsl/invoicing/report"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	InvoicingHandler *invoicinghttp.Handler
	ReportHandler    *report.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.ErrNotFound)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Signed document links are opened from emails without an identity.
	if params.InvoicingHandler != nil {
		params.InvoicingHandler.MountPublicRoutes(r)
	}
	if params.ReportHandler != nil {
		r.Route("/documents", params.ReportHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		if params.InvoicingHandler != nil {
			params.InvoicingHandler.MountRoutes(r)
		}
	})

	return r
}
