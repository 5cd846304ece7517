package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/trading-sim/internal/metrics"
)

// NewRouter mounts the API, health, metrics and websocket endpoints behind
// the standard middleware stack. ws may be nil.
func NewRouter(h *Handler, ws http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if ws != nil {
			r.Get("/ws", ws)
		}

		// Timeout must not wrap the websocket upgrade.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/stocks", h.RegisterStock)
			r.Get("/stocks", h.ListStocks)
			r.Get("/stocks/history", h.PriceHistory)
			r.Get("/stocks/report", h.StockReport)
			r.Get("/stocks/top", h.TopStocks)
			r.Get("/stocks/{symbol}", h.GetStock)

			r.Post("/users", h.RegisterUser)
			r.Get("/users", h.ListUsers)
			r.Post("/users/buy", h.Buy)
			r.Post("/users/sell", h.Sell)
			r.Post("/users/loan", h.TakeLoan)
			r.Get("/users/top", h.TopUsers)
			r.Get("/users/{userID}", h.GetUser)
			r.Get("/users/{userID}/report", h.UserReport)
			r.Get("/users/{userID}/holdings/{symbol}", h.GetHolding)

			r.Post("/system/start-updates", h.StartUpdates)
			r.Post("/system/stop-updates", h.StopUpdates)
			r.Post("/system/force-price-update", h.ForcePriceUpdate)
			r.Post("/system/simulate-trading", h.SimulateTrading)
		})
	})
	return r
}

// cors allows cross-origin requests from any frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
