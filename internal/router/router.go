package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"souk-chat/internal/handlers"
	"souk-chat/internal/middleware"
	"souk-chat/internal/websocket"
)

func New(
	logger zerolog.Logger,
	jwtAuth *middleware.JWTAuth,
	limiter *middleware.RateLimiter,
	authHandler *handlers.AuthHandler,
	chatHandler *handlers.ChatHandler,
	wsHub *websocket.Hub,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Post("/token", authHandler.Token)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		// ──── Chat Routes ────
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/chat/", chatHandler.Send)
		})
	})

	// ──── WebSocket ────
	// The hub authenticates after the upgrade so rejections carry a close code.
	r.Get("/ws/chat/{threadID}/", wsHub.HandleWebSocket)

	return r
}
