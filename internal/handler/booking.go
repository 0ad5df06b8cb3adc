package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/option-booking/internal/booking"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// BookingHandler serves the customer-facing option endpoints.
type BookingHandler struct {
	Coord   *booking.Coordinator
	Options *repository.OptionRepo
	Answers *repository.AnswerRepo
}

func NewBookingHandler(coord *booking.Coordinator, options *repository.OptionRepo, answers *repository.AnswerRepo) *BookingHandler {
	if coord == nil || options == nil || answers == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{Coord: coord, Options: options, Answers: answers}
}

type optionView struct {
	model.Option
	Booked     int `json:"booked"`
	Waitlisted int `json:"waitlisted"`
}

// GetOption handles GET /v1/options/:id.  Invisible options are reported
// as missing.
func (h *BookingHandler) GetOption(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	ctx := c.Request().Context()
	opt, err := h.Options.GetByID(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if opt.Invisible {
		return writeError(c, repository.ErrNotFound)
	}
	view := optionView{Option: opt}
	if view.Booked, err = h.Answers.CountByState(ctx, id, model.StateBooked); err != nil {
		return writeError(c, err)
	}
	if view.Waitlisted, err = h.Answers.CountByState(ctx, id, model.StateWaitlisted); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Availability handles GET /v1/options/:id/availability.  It returns the
// verdict a booking request by the caller would get right now.
func (h *BookingHandler) Availability(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	v, err := h.Coord.Availability(c.Request().Context(), id, uid, middleware.Actor(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// Book handles POST /v1/options/:id/book.  201 means the answer was
// placed (booked, waitlisted or reserved); the notice field tells the
// user when they landed on the waitlist after seeing a free seat.
func (h *BookingHandler) Book(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	res, err := h.Coord.RequestBooking(c.Request().Context(), id, uid, middleware.Actor(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Cancel handles DELETE /v1/options/:id/book.
func (h *BookingHandler) Cancel(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	a, err := h.Coord.RequestCancellation(c.Request().Context(), id, uid, middleware.Actor(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// MyAnswers handles GET /v1/my-answers.
func (h *BookingHandler) MyAnswers(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	answers, err := h.Answers.ListByUser(c.Request().Context(), uid)
	if err != nil {
		return writeError(c, err)
	}
	if answers == nil {
		answers = []model.Answer{}
	}
	return c.JSON(http.StatusOK, echo.Map{"answers": answers})
}
