// Package server assembles the HTTP router from the chat components.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/matestay/matestay-chat/internal/api"
	"github.com/matestay/matestay-chat/internal/chat"
	"github.com/matestay/matestay-chat/internal/identity"
	"github.com/matestay/matestay-chat/internal/middleware"
	"github.com/matestay/matestay-chat/internal/realtime"
	"github.com/matestay/matestay-chat/internal/store"
)

// Deps are the components the router serves.
type Deps struct {
	Repo           store.Repository
	Chat           *chat.Service
	Hub            *realtime.Hub
	Verifier       *identity.Verifier
	AllowedOrigins []string
	FrontendURL    string
	IsDev          bool
	// SPA serves everything not matched by the API. Nil leaves those paths 404.
	SPA http.Handler
}

// NewRouter builds the application router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(d.AllowedOrigins))

	// Public routes.
	api.NewHealthHandler(d.Repo).RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(d.Verifier, d.Chat))

		api.NewHandler(d.Chat, d.Hub, d.Hub).RegisterRoutes(r)
		r.Get("/ws", realtime.NewHandler(d.Hub, d.FrontendURL, d.IsDev).ServeHTTP)
	})

	if d.SPA != nil {
		r.Handle("/*", d.SPA)
	}
	return r
}
