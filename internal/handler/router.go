package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/ecokoin/internal/middleware"
	"github.com/mmeshcher/ecokoin/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса ecokoin.
func (h *Handler) SetupRouter(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Metrics)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Encoding"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Get("/api/products", h.ListProducts)
		r.Get("/api/promotions", h.ListPromotions)

		r.Route("/api/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.Post("/password/reset-request", h.RequestPasswordReset)
			r.Post("/password/reset", h.ResetPassword)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Get("/profile", h.Profile)
				r.Put("/profile", h.UpdateProfile)
				r.Put("/password", h.ChangePassword)
				r.Get("/deposits", h.GetDeposits)
				r.Get("/redemptions", h.GetRedemptions)
				r.Get("/redemptions/pending", h.GetPendingRedemption)

				r.With(custommiddleware.RequireRole(model.RoleUser)).Post("/redemptions", h.CreateRedemption)
				r.With(custommiddleware.RequireRole(model.RoleUser)).Post("/operator-application", h.ApplyOperator)
			})
		})

		r.Route("/api/operator", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireRole(model.RoleOperator))

			r.Get("/users", h.SearchUsers)
			r.Get("/users/{id}", h.LookupUser)
			r.Post("/deposits", h.RecordDeposit)
			r.Get("/redemptions", h.ListPendingRedemptions)
			r.Post("/redemptions/scan", h.ScanRedemption)
			r.Post("/redemptions/{id}/confirm", h.ConfirmRedemption)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(custommiddleware.RequireRole(model.RoleAdmin))

			r.Post("/products", h.CreateProduct)
			r.Put("/products/{id}", h.UpdateProduct)
			r.Delete("/products/{id}", h.DeleteProduct)

			r.Post("/promotions", h.CreatePromotion)
			r.Put("/promotions/{id}", h.UpdatePromotion)
			r.Delete("/promotions/{id}", h.DeletePromotion)

			r.Get("/operators", h.ListOperators)
			r.Post("/operators/{id}/status", h.SetOperatorStatus)

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)

			r.Get("/reports", h.GetReport)
			r.Get("/reconcile", h.Reconcile)

			r.Post("/users/{id}/coins", h.AdjustCoins)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
