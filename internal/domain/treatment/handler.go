package treatment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/procedure"
	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/blobstore"
	"github.com/clinicflow/followup/pkg/pagination"
)

// Handler provides HTTP handlers for treatments and the follow-up dashboard.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/treatments", h.CreateTreatment)
	api.GET("/treatments/:id", h.GetTreatment)
	api.DELETE("/treatments/:id", h.DeleteTreatment)
	api.GET("/treatments/:id/history", h.GetHistory)
	api.GET("/patients/:id/treatments", h.ListByPatient)

	stages := api.Group("/treatments/:id/stages/:stage")
	stages.PUT("/checklist/:action", h.SetChecklistItem)
	stages.POST("/message-sent", h.RegisterMessageSent)
	stages.POST("/response", h.RegisterResponse)
	stages.POST("/photo-request", h.RegisterPhotoRequest)
	stages.POST("/photo-response", h.RegisterPhotoResponse)
	stages.POST("/photo", h.UploadPhoto)
	stages.POST("/complete", h.CompleteStage)
	stages.GET("/message", h.GetMessage)

	api.POST("/treatments/:id/survey/send", h.SendSurvey)
	api.POST("/treatments/:id/survey/response", h.RegisterSurveyResponse)

	api.GET("/followups", h.ListFollowUps)
}

// httpError maps service errors to HTTP errors. Persistence failures and
// exhausted version conflicts are marked retryable.
func httpError(err error) error {
	var pe *PersistenceError
	switch {
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]interface{}{
			"message":   ErrPersistence.Error(),
			"operation": pe.Op,
			"retryable": true,
		})
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   err.Error(),
			"retryable": true,
		})
	case errors.Is(err, ErrNotFound),
		errors.Is(err, patient.ErrNotFound),
		errors.Is(err, procedure.ErrNotFound),
		errors.Is(err, protocol.ErrUnknownStage):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateActiveTreatment),
		errors.Is(err, protocol.ErrStageGateNotSatisfied),
		errors.Is(err, protocol.ErrStageNotActive),
		errors.Is(err, protocol.ErrTreatmentAlreadyComplete),
		errors.Is(err, protocol.ErrInvalidSurveyTransition),
		errors.Is(err, protocol.ErrSurveyNotAvailable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrPhotoStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrConfirmationRequired),
		errors.Is(err, protocol.ErrUnknownAction),
		errors.Is(err, protocol.ErrMessageNotSent),
		errors.Is(err, protocol.ErrResponseContentRequired),
		errors.Is(err, protocol.ErrPhotoNotRequired),
		errors.Is(err, protocol.ErrInvalidPhotoStatus),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseStage(c echo.Context) (uuid.UUID, int, error) {
	id, err := parseID(c)
	if err != nil {
		return uuid.Nil, 0, err
	}
	n, err := strconv.Atoi(c.Param("stage"))
	if err != nil || n < 1 {
		return uuid.Nil, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid stage number")
	}
	return id, n, nil
}

// respond renders the annotated view of a treatment returned by a mutation.
func (h *Handler) respond(c echo.Context, status int, t *Treatment) error {
	v, err := h.svc.ViewOf(c.Request().Context(), t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(status, v)
}

func (h *Handler) CreateTreatment(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.CreateTreatment(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusCreated, t)
}

func (h *Handler) GetTreatment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.View(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// DeleteTreatment requires the caller to echo the treatment id in the
// confirm query parameter.
func (h *Handler) DeleteTreatment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	confirmed := c.QueryParam("confirm") == id.String()
	if err := h.svc.DeleteTreatment(c.Request().Context(), id, confirmed); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListByPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) SetChecklistItem(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	var body struct {
		Checked *bool `json:"checked"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Checked == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "checked is required")
	}
	t, err := h.svc.SetChecklistItem(c.Request().Context(), id, stage, c.Param("action"), *body.Checked)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) RegisterMessageSent(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	t, err := h.svc.RegisterMessageSent(c.Request().Context(), id, stage)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) RegisterResponse(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	var body struct {
		Responded *bool  `json:"responded"`
		Content   string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Responded == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "responded is required")
	}
	t, err := h.svc.RegisterResponse(c.Request().Context(), id, stage, *body.Responded, body.Content)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) RegisterPhotoRequest(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	t, err := h.svc.RegisterPhotoRequest(c.Request().Context(), id, stage)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) RegisterPhotoResponse(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	var body struct {
		Status   protocol.PhotoStatus `json:"status"`
		PhotoURL string               `json:"photo_url"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.RegisterPhotoResponse(c.Request().Context(), id, stage, body.Status, body.PhotoURL)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

// UploadPhoto accepts a multipart form with the photo in the "file" field.
func (h *Handler) UploadPhoto(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	t, err := h.svc.UploadPhoto(c.Request().Context(), id, stage, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusCreated, t)
}

func (h *Handler) CompleteStage(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	t, err := h.svc.CompleteStage(c.Request().Context(), id, stage)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) GetMessage(c echo.Context) error {
	id, stage, err := parseStage(c)
	if err != nil {
		return err
	}
	msg, err := h.svc.RenderMessage(c.Request().Context(), id, stage)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) SendSurvey(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.SendSurvey(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

func (h *Handler) RegisterSurveyResponse(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.RegisterSurveyResponse(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return h.respond(c, http.StatusOK, t)
}

// ListFollowUps serves the dashboard. Query parameters: sla
// (ontime|warning|late) and due_today (bool).
func (h *Handler) ListFollowUps(c echo.Context) error {
	var filter DashboardFilter
	switch sla := protocol.SLAStatus(c.QueryParam("sla")); sla {
	case "":
	case protocol.SLAOnTime, protocol.SLAWarning, protocol.SLALate:
		filter.SLA = sla
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "sla must be ontime, warning or late")
	}
	if v := c.QueryParam("due_today"); v != "" {
		dueToday, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "due_today must be a boolean")
		}
		filter.DueToday = dueToday
	}

	items, err := h.svc.FollowUps(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}
