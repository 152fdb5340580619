package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/api/middleware"
	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/handlers"
	"github.com/mahaddinnagiyev/connectify/internal/realtime"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

const maxBodyBytes = 64 * 1024

// RouterConfig wires the HTTP surface. Redis is optional and enables rate limiting.
type RouterConfig struct {
	Logger      zerolog.Logger
	Handler     *handlers.Handler
	Realtime    *realtime.Handler
	Verifier    middleware.TokenVerifier
	Redis       *store.RedisStore
	CORSOrigins []string
	RateLimit   middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(chimw.Recoverer)

	if cfg.Redis != nil {
		limiter := middleware.NewRateLimiter(cfg.Redis.Client(), cfg.Logger, cfg.RateLimit)
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := cfg.Handler
	auth := middleware.NewAuthMiddleware(cfg.Verifier)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// The realtime endpoint authenticates itself so it can accept ?token=.
	r.Get("/ws", cfg.Realtime.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/rooms", h.ListRooms)
		r.Post("/rooms", h.CreateRoom)
		r.Get("/rooms/{id}/messages", h.GetMessages)
		r.Post("/rooms/{id}/messages", h.PostMessage)
		r.Delete("/rooms/{id}/messages/{messageId}", h.DeleteMessage)
		r.Post("/rooms/{id}/read", h.MarkRead)
		r.Get("/users/{id}", h.GetUser)

		if h.MediaEnabled() {
			r.Post("/media/uploads", h.CreateUpload)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.JSON(w, http.StatusNotFound, handlers.ErrorResponse{Error: "route not found", Code: chat.CodeNotFound})
	})

	return r
}
