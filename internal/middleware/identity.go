package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/option-booking/internal/model"
)

const (
	userIDKey = "user_id"
	roleKey   = "role"
)

// UserID returns the authenticated caller set by JWTAuth.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(userIDKey).(uint64)
	return id, ok && id != 0
}

// Role returns the authenticated caller's role, or "" for anonymous
// requests.
func Role(c echo.Context) string {
	r, _ := c.Get(roleKey).(string)
	return r
}

// Actor describes the caller to the booking layer.
func Actor(c echo.Context) model.Actor {
	id, _ := UserID(c)
	return model.Actor{UserID: id, Privileged: Role(c) == model.RoleAdmin}
}

// rateSubject is the per-user component of rate limit keys.
func rateSubject(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
