// internal/router/router.go
package router

import (
	"context"
	"net/http"
	"time"

	"settlement-service/internal/handler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

func SetupRoutes(
	settlementHandler *handler.SettlementHandler,
	metricsHandler http.Handler,
	health map[string]HealthCheck,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthHandler(health))
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Withdrawals with ?sync=true wait for finality, so no request timeout here
		r.Route("/settlements", func(r chi.Router) {
			r.With(middleware.Timeout(60*time.Second)).Post("/deposits", settlementHandler.VerifyDeposit)
			r.Post("/withdrawals", settlementHandler.RequestWithdrawal)
			r.With(middleware.Timeout(10*time.Second)).Get("/{id}", settlementHandler.GetSettlement)
		})

		r.With(middleware.Timeout(10*time.Second)).Get("/balances/{userID}", settlementHandler.GetBalances)

		// ============================================
		// ADMIN (manual reconciliation)
		// ============================================
		r.Route("/admin/reviews", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/", settlementHandler.ListReviews)
			r.Post("/{id}/resolve", settlementHandler.ResolveReview)
		})
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}

		if !healthy {
			handler.JSON(w, http.StatusServiceUnavailable, status)
			return
		}
		handler.JSON(w, http.StatusOK, status)
	}
}

func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
