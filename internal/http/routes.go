package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-jobqueue/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs     *service.JobService
	Progress *service.ProgressService
	Webhooks *service.WebhookService
	// DB backs the readiness probe. Optional.
	DB Pinger
	// MaxBodyBytes caps request bodies; zero disables the cap.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter creates the API router wrapped in request id, recovery, logging
// and body size middleware.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs, Progress: services.Progress})
	if services.Webhooks != nil {
		registerWebhookRoutes(mux, &WebhookHandlers{Svc: services.Webhooks})
	}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readinessHandler(services.DB))

	var h http.Handler = mux
	h = MaxBody(services.MaxBodyBytes)(h)
	h = Logging(logger)(h)
	h = Recover(logger)(h)
	return RequestID()(h)
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.Enqueue)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
	if h.Progress != nil {
		mux.HandleFunc("GET /api/jobs/{id}/events", h.Events)
	}
}

func registerWebhookRoutes(mux *http.ServeMux, h *WebhookHandlers) {
	mux.HandleFunc("POST /api/webhooks", h.Create)
	mux.HandleFunc("GET /api/webhooks", h.List)
	mux.HandleFunc("GET /api/webhooks/{id}", h.Get)
	mux.HandleFunc("PATCH /api/webhooks/{id}", h.Update)
	mux.HandleFunc("DELETE /api/webhooks/{id}", h.Delete)
	mux.HandleFunc("GET /api/webhooks/{id}/deliveries", h.Deliveries)
}
