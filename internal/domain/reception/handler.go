package reception

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.AllStaff...))
	readGroup.GET("/patients/:id", h.GetPatient)

	deskGroup := api.Group("", auth.RequireRole(auth.RoleAttendant))
	deskGroup.POST("/patients", h.RegisterPatient)
	deskGroup.POST("/service", h.CheckIn)

	listGroup := api.Group("", auth.RequireRole(auth.RoleAttendant, auth.RoleTriager))
	listGroup.GET("/patients", h.SearchPatients)
	listGroup.GET("/queue-patients", h.ListWaiting)
	listGroup.DELETE("/queue/:id", h.MarkNoShow)
}

type CheckInRequest struct {
	PatientID uuid.UUID `json:"patient_id" validate:"required"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&p); err != nil {
		return err
	}
	if err := h.svc.RegisterPatient(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("name"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg, c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	attendant := auth.UserIDFromContext(c.Request().Context())
	t, err := h.svc.CheckIn(c.Request().Context(), req.PatientID, attendant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListWaiting(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListWaiting(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg, c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNameRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrTicketNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicatePatient), errors.Is(err, ErrTicketOpen), errors.Is(err, ErrTicketClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
