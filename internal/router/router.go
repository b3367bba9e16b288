// Package router registers the HTTP routes and their middleware.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/activity-reservation/internal/handler"
	"github.com/iliyamo/activity-reservation/internal/middleware"
	"github.com/iliyamo/activity-reservation/internal/model"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Health       echo.HandlerFunc
	Reservations *handler.ReservationHandler
	Webhook      *handler.WebhookHandler
	Admin        *handler.AdminHandler
}

// Register mounts the public, guardian and admin routes. limiter may be nil.
func Register(e *echo.Echo, h Handlers, jwtSecret string, limiter *middleware.RateLimiter) {
	RegisterPublic(e, h)
	RegisterGuardian(e, h.Reservations, jwtSecret, limiter)
	RegisterAdmin(e, h.Admin, jwtSecret)
}

// RegisterPublic mounts routes that need no token. The webhook is
// authenticated by re-reading the payment from the gateway.
func RegisterPublic(e *echo.Echo, h Handlers) {
	e.GET("/healthz", h.Health)
	e.POST("/v1/payments/webhook", h.Webhook.Receive)
}

// RegisterGuardian mounts /v1/reservations. The limiter runs after JWTAuth
// so it can key on the user.
func RegisterGuardian(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string, limiter *middleware.RateLimiter) {
	g := e.Group("/v1/reservations",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleGuardian),
		limiter.Middleware(),
	)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/payment", h.PreparePayment)
}

// RegisterAdmin mounts /v1/admin for the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin", middleware.JWTAuth(jwtSecret), middleware.RequireRole(model.RoleAdmin))

	g.POST("/settlements/generate", h.GenerateSettlements)
	g.GET("/settlements", h.ListSettlements)
	g.GET("/settlements/:id", h.GetSettlement)
	g.POST("/settlements/:id/confirm", h.ConfirmSettlement)
	g.PATCH("/settlements/:id/memo", h.UpdateMemo)
	g.POST("/settlements/:id/payout", h.ExecutePayout)
	g.POST("/payouts/weekly", h.WeeklyPayout)

	g.POST("/programs/:id/bulk-cancel", h.CreateBulkCancel)
	g.POST("/bulk-cancel/:id/start", h.StartBulkCancel)
	g.POST("/bulk-cancel/:id/retry", h.RetryBulkCancel)
	g.GET("/bulk-cancel/:id", h.GetBulkCancel)
	g.GET("/bulk-cancel/:id/items", h.ListBulkCancelItems)

	g.POST("/capacity/reconcile", h.ReconcileCapacity)
}
