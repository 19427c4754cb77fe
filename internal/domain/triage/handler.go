package triage

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every staff role
	readGroup := api.Group("", auth.RequireRole(auth.AllStaff...))
	readGroup.GET("/classifications", h.ListClassifications)
	readGroup.GET("/priority-queue", h.ListQueue)
	readGroup.GET("/priority-queue/:id", h.GetEntry)

	triageGroup := api.Group("", auth.RequireRole(auth.RoleTriager))
	triageGroup.POST("/triage", h.RegisterTriage)

	clinicalGroup := api.Group("", auth.RequireRole(auth.RoleTriager, auth.RoleDoctor))
	clinicalGroup.GET("/triage/:id", h.GetTriageRecord)
	clinicalGroup.POST("/priority-queue", h.FastTrack)
	clinicalGroup.PUT("/priority-queue/:id/status", h.UpdateStatus)
	clinicalGroup.POST("/priority-queue/:id/no-show", h.MarkNoShow)

	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.POST("/priority-queue/next", h.DispatchNext)
	doctorGroup.POST("/priority-queue/:id/complete", h.CompleteConsultation)
}

// QueueResponse is the body of GET /priority-queue.
type QueueResponse struct {
	Policy string         `json:"policy"`
	Total  int            `json:"total"`
	Items  []SnapshotItem `json:"items"`
}

type FastTrackRequest struct {
	PatientID uuid.UUID   `json:"patient_id" validate:"required"`
	Acuity    AcuityLevel `json:"acuity" validate:"required,valid"`
}

type RegisterTriageRequest struct {
	TriageRecord
	ReceptionTicketID *uuid.UUID `json:"reception_ticket_id,omitempty"`
}

type RegisterTriageResponse struct {
	Entry  *WaitEntry    `json:"entry"`
	Triage *TriageRecord `json:"triage"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=in_consultation completed no_show"`
}

func (h *Handler) ListClassifications(c echo.Context) error {
	return c.JSON(http.StatusOK, Classifications())
}

func (h *Handler) ListQueue(c echo.Context) error {
	items := h.coord.ListCurrent()
	if color := c.QueryParam("color"); color != "" {
		level, err := ParseAcuity(color)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := items[:0]
		for _, it := range items {
			if it.Acuity == level {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	return c.JSON(http.StatusOK, QueueResponse{
		Policy: h.coord.PolicyName(),
		Total:  len(items),
		Items:  items,
	})
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.coord.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) FastTrack(c echo.Context) error {
	var req FastTrackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	// The wait clock starts at server time.
	e, err := h.coord.EnqueueAfterTriage(c.Request().Context(), req.PatientID, req.Acuity, time.Time{})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) RegisterTriage(c echo.Context) error {
	var req RegisterTriageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	rec := req.TriageRecord
	rec.ID = uuid.Nil
	rec.TriagedAt = time.Time{}
	if rec.OfficerID == "" {
		rec.OfficerID = auth.UserIDFromContext(c.Request().Context())
	}
	e, err := h.coord.RegisterTriage(c.Request().Context(), &rec, req.ReceptionTicketID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, RegisterTriageResponse{Entry: e, Triage: &rec})
}

func (h *Handler) GetTriageRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.coord.GetTriageRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DispatchNext(c echo.Context) error {
	clinician := auth.UserIDFromContext(c.Request().Context())
	e, err := h.coord.DispatchNext(c.Request().Context(), clinician)
	if err != nil {
		return httpError(err)
	}
	if e == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	to, _ := ParseStatus(req.Status)
	clinician := auth.UserIDFromContext(c.Request().Context())
	e, err := h.coord.Transition(c.Request().Context(), id, to, clinician)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CompleteConsultation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.coord.CompleteConsultation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.coord.MarkNoShow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// httpError maps queue errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAcuity):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrTriageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPatientInConsultation),
		errors.Is(err, ErrDuplicateEntry), errors.Is(err, ErrTicketNotOpen):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
