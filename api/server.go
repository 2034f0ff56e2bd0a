/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     Access log line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. requestLogger: zerolog logger tagged with request_id on the context
  5. CORS:       Cross-origin requests for the review UI

ROUTE GROUPS:
  /api/health           Liveness plus store ping
  /api/residents/*      Resident directory, wallets, aliases
  /api/aliases/*        Alias deactivation
  /api/imports/*        Import sessions (push emails, fetch mailbox)
  /api/review-queue     Paged review queue
  /api/transactions/*   Single transaction, process, skip
  /api/audit            Audit trail
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. The reviewer identity is taken from the
  request body or the X-Reviewer-ID header as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/estate-reconciler/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ReviewerHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Resident routes
		r.Route("/residents", func(r chi.Router) {
			r.Get("/", h.ListResidents)
			r.Post("/", h.CreateResident)
			r.Get("/{id}", h.GetResident)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/aliases", h.ListAliases)
			r.Post("/{id}/aliases", h.CreateAlias)
		})

		r.Delete("/aliases/{id}", h.DeactivateAlias)

		// Import routes
		r.Route("/imports", func(r chi.Router) {
			r.Get("/", h.ListImports)
			r.Post("/", h.RunImport)
			r.Post("/fetch", h.FetchImport)
			r.Get("/{id}", h.GetImport)
		})

		// Review routes
		r.Get("/review-queue", h.ListReviewQueue)
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/process", h.ProcessTransaction)
			r.Post("/{id}/skip", h.SkipTransaction)
		})

		r.Get("/audit", h.ListAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger puts a logger carrying the chi request id on the context so
// pipeline log lines can be joined with the access log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := logging.FromContext(ctx).With().
			Str("request_id", middleware.GetReqID(ctx)).
			Logger()
		next.ServeHTTP(w, r.WithContext(logging.WithContext(ctx, log)))
	})
}
