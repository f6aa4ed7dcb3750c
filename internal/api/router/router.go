package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/outreachly/campaign-engine/internal/assist"
	"github.com/outreachly/campaign-engine/internal/campaign"
	httpmiddleware "github.com/outreachly/campaign-engine/internal/http/middleware"
	"github.com/outreachly/campaign-engine/internal/suppression"
	"github.com/outreachly/campaign-engine/internal/webhook"
	"github.com/outreachly/campaign-engine/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	CampaignHandler    *campaign.Handler
	SuppressionHandler *suppression.Handler
	WebhookHandler     *webhook.Handler
	AssistHandler      *assist.Handler
	MetricsHandler     http.Handler
	OperatorAuthSecret string
	CORSAllowedOrigins []string

	// Requests per second and burst for the operator API limiter.
	OperatorRateLimit float64
	OperatorBurst     int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: health, metrics, provider webhooks.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.WebhookHandler != nil {
			public.Post("/webhooks/telnyx/messages", cfg.WebhookHandler.HandleMessages)
		}
	})

	// Operator API: JWT-authenticated, tenant-scoped, rate limited.
	r.Group(func(operator chi.Router) {
		operator.Use(httpmiddleware.OperatorJWT(cfg.OperatorAuthSecret))
		rate, burst := cfg.OperatorRateLimit, cfg.OperatorBurst
		if rate <= 0 {
			rate = 10
		}
		if burst <= 0 {
			burst = 20
		}
		operator.Use(httpmiddleware.RateLimit(rate, burst))

		if cfg.CampaignHandler != nil {
			operator.Route("/campaigns", func(c chi.Router) {
				c.Post("/", cfg.CampaignHandler.Create)
				c.Get("/{campaignID}", cfg.CampaignHandler.Get)
				c.Post("/{campaignID}/schedule", cfg.CampaignHandler.Schedule)
				c.Post("/{campaignID}/pause", cfg.CampaignHandler.Pause)
				c.Post("/{campaignID}/resume", cfg.CampaignHandler.Resume)
				c.Post("/{campaignID}/enroll", cfg.CampaignHandler.Enroll)
			})
			operator.Post("/messages/send", cfg.CampaignHandler.SendNow)
		}
		if cfg.SuppressionHandler != nil {
			operator.Route("/suppressions", func(s chi.Router) {
				s.Get("/", cfg.SuppressionHandler.List)
				s.Post("/", cfg.SuppressionHandler.Add)
				s.Delete("/", cfg.SuppressionHandler.Delete)
			})
		}
		if cfg.AssistHandler != nil {
			operator.Post("/assist/polish", cfg.AssistHandler.Polish)
		}
	})

	return r
}
