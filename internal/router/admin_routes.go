package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/option-booking/internal/handler"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/model"
)

// RegisterAdmin registers the administration endpoints under /v1/admin.
// All of them require the ADMIN role.  Option edits drop the cached public
// view; answer changes reach the cache through the ledger's events.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string, cache *middleware.OptionCache) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)

	g.POST("/options", h.CreateOption)
	evict := cache.EvictAfterWrite()
	g.PATCH("/options/:id", h.UpdateOption, evict)
	g.DELETE("/options/:id", h.DeleteOption, evict)
	g.GET("/options/:id/answers", h.ListAnswers)
	g.POST("/options/:id/answers/:uid/confirm", h.Confirm)
	g.POST("/options/:id/answers/:uid/overbook", h.Overbook)
	g.POST("/options/:id/answers/:uid/cancel", h.CancelAnswer)
	g.DELETE("/options/:id/answers/:uid", h.Purge)

	g.POST("/users/:id/ban", h.Ban)
	g.PUT("/enrollments", h.Enroll)
	g.DELETE("/enrollments", h.Unenroll)

	g.POST("/revalidations", h.Revalidate)
	g.GET("/revalidations", h.ListRevalidations)
	g.GET("/revalidations/audit", h.AuditLog)
	g.DELETE("/revalidations/:id", h.CancelRevalidation)

	g.GET("/settings", h.ListSettings)
	g.PUT("/settings/:name", h.PutSetting)
}
