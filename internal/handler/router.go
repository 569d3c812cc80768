package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// RouterConfig collects what the HTTP surface needs.
type RouterConfig struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Keywords      *service.KeywordService
	Health        *HealthHandler
	Watcher       Watcher

	JWTSecret          string
	SessionTTL         time.Duration
	AllowedOrigins     []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	StreamPollInterval time.Duration
	AdminTailSize      int

	Logger *logger.Logger
}

// NewRouter builds the API router. A nil Logger uses the global logger.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	stream := NewStreamHandler(cfg.Messages, cfg.Watcher, cfg.StreamPollInterval, log)
	chat := NewChatHandler(cfg.Conversations, cfg.Messages, stream, cfg.JWTSecret, cfg.SessionTTL, log)
	admin := NewAdminHandler(cfg.Conversations, cfg.Messages, cfg.Keywords, stream, cfg.AdminTailSize, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Post("/session", chat.CreateSession)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Route("/chat", func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleClient))
				r.Use(middleware.ClientSession(cfg.Conversations, log))
				chat.Routes(r)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleAdmin))
				admin.Routes(r)
			})
		})
	})

	return r
}
