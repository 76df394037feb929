/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     zap request log with the request ID
  4. Metrics:    Prometheus request count and latency (optional)
  5. CORS:       Cross-origin requests for the shop front-end

ROUTE GROUPS:
  /api/customers/*      Customers, balances, statements
  /api/balances         List view
  /api/sales/*          Sales and their activities
  /api/purchases/*      Purchases and their activities
  /api/activities/*     Reversals
  /api/payments/*       Payments and allocations
  /api/admin/*          Audit
  /healthz, /metrics    Operations

SECURITY NOTE:
  No authentication middleware. The server is meant to run on the shop's
  internal network.

SEE ALSO:
  - handlers.go: Handler implementations
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

	"github.com/warp/pos-ledger/ledger"
	"github.com/warp/pos-ledger/metrics"
)

// Options configures NewRouter.
type Options struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/balance", h.GetCustomerBalance)
			r.Get("/{id}/statement.pdf", h.GetCustomerStatement)
		})
		r.Get("/balances", h.ListBalances)

		r.Route("/sales", recordRoutes(h, ledger.KindSale))
		r.Route("/purchases", recordRoutes(h, ledger.KindPurchase))
		r.Post("/activities/{kind}/{id}/reverse", h.ReverseActivity)

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/allocations", h.Allocate)
			r.Post("/{id}/auto-allocate", h.AutoAllocate)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit", h.Audit)
		})
	})

	return r
}

func recordRoutes(h *Handler, kind ledger.Kind) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", h.ListRecords(kind))
		r.Post("/", h.CreateRecord(kind))
		r.Get("/{id}", h.GetRecord(kind))
		r.Put("/{id}", h.EditRecord(kind))
		r.Delete("/{id}", h.VoidRecord(kind))
		r.Post("/{id}/activities", h.AddActivity(kind))
	}
}

// requestLogger logs one line per request at Info.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
