package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/option-booking/internal/config"
	"github.com/iliyamo/option-booking/internal/handler"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/model"
)

// RegisterBooking registers the option endpoints.  The option detail is
// public and served through the Redis option cache; everything else
// requires a JWT.  Booking and cancellation share a stricter token bucket
// per user and option.
func RegisterBooking(e *echo.Echo, h *handler.BookingHandler, jwtSecret string,
	rdb *redis.Client, cache *middleware.OptionCache, bookLimit config.RateLimitConfig) {
	e.GET("/v1/options/:id", h.GetOption, cache.Serve())

	g := e.Group("/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer, model.RoleAdmin),
	)
	g.GET("/options/:id/availability", h.Availability)
	g.GET("/my-answers", h.MyAnswers)

	limited := middleware.NewTokenBucket(bookLimit, rdb)
	g.POST("/options/:id/book", h.Book, limited)
	g.DELETE("/options/:id/book", h.Cancel, limited)
}
