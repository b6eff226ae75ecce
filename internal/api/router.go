package api

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	custommw "github.com/cartolane/cartolane/internal/api/middleware"
	"github.com/cartolane/cartolane/internal/gateway"
)

// Server wires the HTTP surface: the public postcard endpoint behind the
// admission gate, the admin surface behind JWT auth, and health.
type Server struct {
	Router *chi.Mux
}

// ServerDeps carries everything the router needs.
type ServerDeps struct {
	Pool           *pgxpool.Pool
	Gate           *custommw.Gate
	Service        *gateway.Service
	ClientAdmin    ClientAdmin
	Invalidator    CacheInvalidator
	AdminJWTSecret string
}

func NewServer(deps ServerDeps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Sentry before recovery so panics are captured with request scope.
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(custommw.RequestLogger)
	r.Use(custommw.PanicRecovery)

	limiter := custommw.NewIPRateLimiter(5, 10)
	r.Use(limiter.Middleware)

	r.Get("/health", Health(deps.Pool))

	requestHandler := NewRequestHandler(deps.Service)
	r.Group(func(r chi.Router) {
		r.Use(deps.Gate.Middleware)
		r.Post("/email-request", requestHandler.Create)
	})

	adminHandler := NewAdminHandler(deps.ClientAdmin, deps.Invalidator)
	r.Route("/admin", func(r chi.Router) {
		r.Use(custommw.AdminAuth(deps.AdminJWTSecret))
		r.Patch("/clients/{id}", adminHandler.UpdateClient)
		r.Post("/clients/{id}/invalidate-cache", adminHandler.InvalidateClientCache)
	})

	return &Server{Router: r}
}

// Handler exposes the mux for http.Server wiring.
func (s *Server) Handler() http.Handler { return s.Router }
