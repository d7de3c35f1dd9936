package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wanjala/till-system/internal/middleware"
)

// SetupRouter настраивает маршруты API сервиса приёма платежей.
func SetupRouter(h *Handler, auth *middleware.AuthMiddleware, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/operator/register", h.Register)
		r.Post("/operator/login", h.Login)
		r.Post("/gateway/c2b", h.IngestC2B)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			r.Post("/bills", h.CreateBill)
			r.Get("/bills/{billID}", h.GetBill)

			r.Post("/bills/{billID}/push", h.StartPush)
			r.Get("/bills/{billID}/session", h.GetSession)
			r.Delete("/bills/{billID}/session", h.CancelSession)

			r.Post("/bills/{billID}/tenders", h.AddTender)
			r.Post("/bills/{billID}/checkout", h.Checkout)
			r.Post("/bills/{billID}/receipt", h.ManualReceipt)

			r.Get("/notifications", h.ListNotifications)
			r.Post("/bills/{billID}/notifications/{notificationID}", h.SelectNotification)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
