package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/option-booking/internal/booking"
	"github.com/iliyamo/option-booking/internal/middleware"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
	"github.com/iliyamo/option-booking/internal/revalidation"
)

// AdminHandler serves /v1/admin.  Every route is behind JWTAuth and
// RequireRole(ADMIN).
type AdminHandler struct {
	Admin     *booking.Admin
	Coord     *booking.Coordinator
	Options   *repository.OptionRepo
	Answers   *repository.AnswerRepo
	Scheduler *revalidation.Scheduler
	Tasks     *repository.TaskRepo
	Audit     *repository.AuditRepo
	Settings  *repository.SettingsRepo
}

// CreateOption handles POST /v1/admin/options.
func (h *AdminHandler) CreateOption(c echo.Context) error {
	var o model.Option
	if err := c.Bind(&o); err != nil {
		return badRequest(c, "invalid body")
	}
	o.ID = 0
	if err := h.Admin.CreateOption(c.Request().Context(), &o); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

// UpdateOption handles PATCH /v1/admin/options/:id.  Fields absent from
// the body keep their stored values.
func (h *AdminHandler) UpdateOption(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	ctx := c.Request().Context()
	o, err := h.Options.GetByID(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	if err := (&echo.DefaultBinder{}).BindBody(c, &o); err != nil {
		return badRequest(c, "invalid body")
	}
	o.ID = id
	if err := h.Admin.UpdateOption(ctx, &o); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// DeleteOption handles DELETE /v1/admin/options/:id.
func (h *AdminHandler) DeleteOption(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	if err := h.Admin.DeleteOption(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListAnswers handles GET /v1/admin/options/:id/answers?state=BOOKED,WAITLISTED.
func (h *AdminHandler) ListAnswers(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	var states []model.AnswerState
	for _, s := range strings.Split(c.QueryParam("state"), ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		st := model.AnswerState(s)
		if !st.Valid() {
			return badRequest(c, "invalid state "+s)
		}
		states = append(states, st)
	}
	answers, err := h.Answers.ListByOption(c.Request().Context(), id, states...)
	if err != nil {
		return writeError(c, err)
	}
	if answers == nil {
		answers = []model.Answer{}
	}
	return c.JSON(http.StatusOK, echo.Map{"answers": answers})
}

// answerOp is one coordinator transition on a user's answer.
type answerOp func(ctx context.Context, optionID, userID uint64, actor model.Actor) (model.Answer, error)

// answerAction runs op on /v1/admin/options/:id/answers/:uid.
func (h *AdminHandler) answerAction(c echo.Context, op answerOp) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid option id")
	}
	uid, ok := pathID(c, "uid")
	if !ok {
		return badRequest(c, "invalid user id")
	}
	a, err := op(c.Request().Context(), id, uid, middleware.Actor(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// Confirm handles POST /v1/admin/options/:id/answers/:uid/confirm.
func (h *AdminHandler) Confirm(c echo.Context) error {
	return h.answerAction(c, h.Coord.ConfirmReservation)
}

// Overbook handles POST /v1/admin/options/:id/answers/:uid/overbook.
func (h *AdminHandler) Overbook(c echo.Context) error {
	return h.answerAction(c, h.Coord.Overbook)
}

// CancelAnswer handles POST /v1/admin/options/:id/answers/:uid/cancel.
func (h *AdminHandler) CancelAnswer(c echo.Context) error {
	return h.answerAction(c, h.Coord.RequestCancellation)
}

// Purge handles DELETE /v1/admin/options/:id/answers/:uid.  Only
// cancelled answers can be purged.
func (h *AdminHandler) Purge(c echo.Context) error {
	return h.answerAction(c, h.Coord.Purge)
}

type banReq struct {
	Banned *bool `json:"banned"`
}

// Ban handles POST /v1/admin/users/:id/ban.  The body may carry
// {"banned": false} to lift a ban.
func (h *AdminHandler) Ban(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid user id")
	}
	var req banReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	banned := req.Banned == nil || *req.Banned
	if err := h.Admin.SetBanned(c.Request().Context(), id, banned); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": id, "banned": banned})
}

type enrollmentReq struct {
	UserID    uint64 `json:"user_id"`
	ContextID uint64 `json:"context_id"`
}

func bindEnrollment(c echo.Context) (enrollmentReq, bool) {
	var req enrollmentReq
	if err := c.Bind(&req); err != nil || req.UserID == 0 || req.ContextID == 0 {
		return req, false
	}
	return req, true
}

// Enroll handles PUT /v1/admin/enrollments.
func (h *AdminHandler) Enroll(c echo.Context) error {
	req, ok := bindEnrollment(c)
	if !ok {
		return badRequest(c, "user_id and context_id are required")
	}
	if err := h.Admin.Enroll(c.Request().Context(), req.UserID, req.ContextID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Unenroll handles DELETE /v1/admin/enrollments.
func (h *AdminHandler) Unenroll(c echo.Context) error {
	req, ok := bindEnrollment(c)
	if !ok {
		return badRequest(c, "user_id and context_id are required")
	}
	if err := h.Admin.Unenroll(c.Request().Context(), req.UserID, req.ContextID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type revalidateReq struct {
	OptionID   uint64   `json:"option_id"`
	ContextID  uint64   `json:"context_id"`
	UserID     uint64   `json:"user_id"`
	AllFlagged bool     `json:"all_flagged"`
	CheckIDs   []string `json:"check_ids"`
	ActionID   string   `json:"action_id"`
}

// Revalidate handles POST /v1/admin/revalidations.  Manual requests are
// not gated by a feature flag.
func (h *AdminHandler) Revalidate(c echo.Context) error {
	var req revalidateReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	res, err := h.Scheduler.Enqueue(c.Request().Context(), revalidation.Scope{
		OptionID:   req.OptionID,
		ContextID:  req.ContextID,
		UserID:     req.UserID,
		AllFlagged: req.AllFlagged,
		CheckIDs:   req.CheckIDs,
		ActionID:   req.ActionID,
	})
	if err != nil {
		return writeError(c, err)
	}
	scheduled := res.Scheduled
	if scheduled == nil {
		scheduled = []model.WorkItem{}
	}
	return c.JSON(http.StatusAccepted, echo.Map{"scheduled": scheduled, "debounced": res.Debounced})
}

// ListRevalidations handles GET /v1/admin/revalidations?option_id=&status=.
func (h *AdminHandler) ListRevalidations(c echo.Context) error {
	f := repository.TaskFilter{
		Status: model.WorkItemStatus(strings.ToUpper(c.QueryParam("status"))),
		Limit:  queryInt(c, "limit", 100),
	}
	if s := c.QueryParam("option_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return badRequest(c, "invalid option_id")
		}
		f.OptionID = id
	}
	items, err := h.Tasks.List(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []model.WorkItem{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// CancelRevalidation handles DELETE /v1/admin/revalidations/:id.  Only
// pending items can be cancelled.
func (h *AdminHandler) CancelRevalidation(c echo.Context) error {
	if err := h.Scheduler.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AuditLog handles GET /v1/admin/revalidations/audit?option_id=&item=.
func (h *AdminHandler) AuditLog(c echo.Context) error {
	f := repository.AuditFilter{
		WorkItemID: c.QueryParam("item"),
		Limit:      queryInt(c, "limit", 200),
	}
	if s := c.QueryParam("option_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return badRequest(c, "invalid option_id")
		}
		f.OptionID = id
	}
	entries, err := h.Audit.List(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries})
}

// ListSettings handles GET /v1/admin/settings.
func (h *AdminHandler) ListSettings(c echo.Context) error {
	settings, err := h.Settings.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	if settings == nil {
		settings = []repository.Setting{}
	}
	return c.JSON(http.StatusOK, echo.Map{"settings": settings})
}

// PutSetting handles PUT /v1/admin/settings/:name with {"value": "..."}.
func (h *AdminHandler) PutSetting(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	var req struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&req); err != nil || name == "" {
		return badRequest(c, "name and value are required")
	}
	if err := h.Settings.Set(c.Request().Context(), name, req.Value); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"name": name, "value": req.Value})
}

func queryInt(c echo.Context, name string, def int) int {
	if n, err := strconv.Atoi(c.QueryParam(name)); err == nil && n > 0 {
		return n
	}
	return def
}
