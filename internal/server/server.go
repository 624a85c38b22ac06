// Package server exposes the HTTP API: task submission and inspection,
// synchronous routing, and the stats surface.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/feedback"
	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/otel"
	"github.com/harrier-ai/harrier/internal/policy"
	"github.com/harrier-ai/harrier/internal/queue"
	"github.com/harrier-ai/harrier/internal/router"
)

const defaultTimeout = 60 * time.Second

// routeTimeout bounds the synchronous /v1/route path, which may walk the
// full provider chain.
const routeTimeout = 5 * time.Minute

// Server holds the API's dependencies.
type Server struct {
	mux    *chi.Mux
	tasks  *queue.Store
	casc   *cascade.Cascade
	route  *router.Router
	guard  *guard.Guard
	store  *guard.Store
	loop   *feedback.Loop
	engine *policy.Engine
	cache  *router.Cache
	limit  *RateLimiter

	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCache wires the response cache for the stats surface.
func WithCache(c *router.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithPolicyEngine wires the admission policy engine. Nil means everything
// is admitted.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// WithRateLimit enforces global and per-client requests-per-minute budgets on
// the /v1 surface. Zero budgets leave the surface unlimited.
func WithRateLimit(globalRPM, perClientRPM int) Option {
	return func(s *Server) {
		if globalRPM > 0 && perClientRPM > 0 {
			s.limit = NewRateLimiter(globalRPM, perClientRPM)
		}
	}
}

// New builds a Server. loop may be nil (feedback sections omitted from
// stats).
func New(tasks *queue.Store, casc *cascade.Cascade, route *router.Router, g *guard.Guard, gs *guard.Store, loop *feedback.Loop, opts ...Option) *Server {
	s := &Server{
		mux:       chi.NewRouter(),
		tasks:     tasks,
		casc:      casc,
		route:     route,
		guard:     g,
		store:     gs,
		loop:      loop,
		startTime: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the configured handler. The synchronous /v1/route path gets
// its own long timeout; everything else uses the default request timeout.
func (s *Server) Routes() http.Handler {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(routeTimeout))
		if s.limit != nil {
			r.Use(s.limit.Middleware)
		}
		r.Post("/v1/route", s.handleRoute)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(defaultTimeout))
		if s.limit != nil {
			r.Use(s.limit.Middleware)
		}
		r.Post("/v1/tasks", s.handleTaskSubmit)
		r.Get("/v1/tasks/{id}", s.handleTaskGet)
		r.Post("/v1/tasks/{id}/cancel", s.handleTaskCancel)
		r.Get("/v1/stats", s.handleStats)
	})

	return r
}
