package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/option-booking/internal/booking"
	"github.com/iliyamo/option-booking/internal/ledger"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

var logger = log.New("http")

// writeError maps domain errors onto HTTP responses.  Unexpected errors
// are logged and reported as 500 without details.
func writeError(c echo.Context, err error) error {
	var (
		ne *booking.NotEligibleError
		fe *booking.FullError
	)
	switch {
	case errors.As(err, &ne):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not_eligible", "code": ne.Code, "message": ne.Message})
	case errors.As(err, &fe):
		return c.JSON(http.StatusConflict, echo.Map{"error": "option full", "code": fe.Verdict.Code, "message": fe.Verdict.Message})
	case errors.Is(err, ledger.ErrFull):
		return c.JSON(http.StatusConflict, echo.Map{"error": "option full"})
	case errors.Is(err, ledger.ErrInvalidTransition):
		logger.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid transition"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, booking.ErrInvalidOption),
		errors.Is(err, revalidation.ErrEmptyScope),
		errors.Is(err, revalidation.ErrUnknownCheck),
		errors.Is(err, revalidation.ErrUnknownAction):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrStoreUnavailable):
		logger.Warnf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable"})
	}
	logger.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id != 0
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}
