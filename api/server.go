/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /health               Liveness and store connectivity
  /api/members/*        Member registry, per-member dues and summary
  /api/dues/*           Single due reads and payment marking
  /api/admin/*          Bulk generation and spreadsheet imports
  /api/reports/*        Association-wide standing report
  /api/scenarios/*      Demo association

SECURITY:
  Mutation and admin routes go through Authenticator.RequireAdmin. With
  auth.jwt_secret empty every endpoint is public.

  The import endpoint is additionally rate limited (token bucket shared by
  all callers).

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterOptions carries the cross-cutting settings of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Auth           *Authenticator // nil disables authentication
	ImportLimiter  *rate.Limiter  // nil disables throttling
	Logger         *zap.Logger
}

// NewImportLimiter allows perMinute imports per minute with the given burst.
func NewImportLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	admin := opts.Auth.RequireAdmin

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/dues", h.ListMemberDues)
			r.Get("/{id}/summary", h.GetMemberSummary)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/", h.CreateMember)
				r.Post("/{id}/dues", h.CreateDue)
				r.Post("/{id}/extend", h.ExtendMember)
			})
		})

		// Due routes
		r.Route("/dues", func(r chi.Router) {
			r.Get("/{id}", h.GetDue)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/{id}/pay", h.PayDue)
				r.Post("/{id}/unpay", h.UnpayDue)
				r.Delete("/{id}", h.DeleteDue)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin)
			r.Post("/generate", h.GenerateDues)
			r.With(rateLimit(opts.ImportLimiter)).Post("/imports", h.ImportPayments)
			r.Get("/imports", h.ListImports)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/standing", h.GetStanding)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)

			r.Group(func(r chi.Router) {
				r.Use(admin)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// requestLogger logs one line per request after it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// rateLimit rejects requests with 429 once limiter is exhausted.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "Too many imports, retry later", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
