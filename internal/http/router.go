package http

import (
	"github.com/forkline/server/internal/auth"
	"github.com/forkline/server/internal/http/handlers"
	"github.com/forkline/server/internal/middleware"
	"github.com/forkline/server/internal/repo"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(authHandler *handlers.AuthHandler, tokens *auth.TokenService, userRepo repo.UserRepo) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/challenge/request", authHandler.HandleChallengeRequest)
		r.Post("/challenge/verify", authHandler.HandleChallengeVerify)
		r.Post("/token/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)
	})

	// Protected routes (require valid access token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(tokens, userRepo))
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
