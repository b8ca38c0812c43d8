package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/internal/service"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/response"
)

// TurmaHandler exposes class group and lesson endpoints.
type TurmaHandler struct {
	turmas *service.TurmaService
}

// NewTurmaHandler constructs TurmaHandler.
func NewTurmaHandler(turmas *service.TurmaService) *TurmaHandler {
	return &TurmaHandler{turmas: turmas}
}

// List godoc
// @Summary List class groups
// @Tags Turmas
// @Produce json
// @Security BearerAuth
// @Param active query bool false "Only active turmas"
// @Success 200 {object} response.Envelope
// @Router /turmas [get]
func (h *TurmaHandler) List(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	turmas, err := h.turmas.List(c.Request.Context(), organizationFromContext(c), activeOnly)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, turmas, nil)
}

// Get godoc
// @Summary Get class group detail
// @Tags Turmas
// @Produce json
// @Security BearerAuth
// @Param id path string true "Turma ID"
// @Success 200 {object} response.Envelope
// @Router /turmas/{id} [get]
func (h *TurmaHandler) Get(c *gin.Context) {
	turma, err := h.turmas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, turma, nil)
}

// Create godoc
// @Summary Create a class group
// @Tags Turmas
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateTurmaRequest true "Turma payload"
// @Success 201 {object} response.Envelope
// @Router /turmas [post]
func (h *TurmaHandler) Create(c *gin.Context) {
	var req service.CreateTurmaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	turma, err := h.turmas.Create(c.Request.Context(), organizationFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, turma)
}

// Update godoc
// @Summary Update a class group
// @Tags Turmas
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Turma ID"
// @Param payload body service.UpdateTurmaRequest true "Turma payload"
// @Success 200 {object} response.Envelope
// @Router /turmas/{id} [put]
func (h *TurmaHandler) Update(c *gin.Context) {
	var req service.UpdateTurmaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	turma, err := h.turmas.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, turma, nil)
}

// ListLessons godoc
// @Summary List scheduled lessons of a class group
// @Tags Lessons
// @Produce json
// @Security BearerAuth
// @Param id path string true "Turma ID"
// @Param status query string false "Filter by status"
// @Param from query string false "Window start (YYYY-MM-DD)"
// @Param to query string false "Window end (YYYY-MM-DD)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /turmas/{id}/lessons [get]
func (h *TurmaHandler) ListLessons(c *gin.Context) {
	var filter models.LessonFilter
	filter.OrganizationID = organizationFromContext(c)
	filter.TurmaID = c.Param("id")
	filter.Status = models.LessonStatus(c.Query("status"))
	if raw := c.Query("from"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			filter.DateFrom = &t
		}
	}
	if raw := c.Query("to"); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			filter.DateTo = &t
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	lessons, pagination, err := h.turmas.ListLessons(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lessons, pagination)
}

// GetLesson godoc
// @Summary Get lesson detail
// @Tags Lessons
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Router /lessons/{id} [get]
func (h *TurmaHandler) GetLesson(c *gin.Context) {
	lesson, err := h.turmas.GetLesson(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lesson, nil)
}

// ScheduleLesson godoc
// @Summary Schedule a lesson for a class group
// @Tags Lessons
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Turma ID"
// @Param payload body service.ScheduleLessonRequest true "Lesson payload"
// @Success 201 {object} response.Envelope
// @Router /turmas/{id}/lessons [post]
func (h *TurmaHandler) ScheduleLesson(c *gin.Context) {
	var req service.ScheduleLessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.TurmaID = c.Param("id")
	lesson, err := h.turmas.ScheduleLesson(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, lesson)
}

// UpdateLessonStatus godoc
// @Summary Transition a lesson to COMPLETED or CANCELLED
// @Tags Lessons
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Router /lessons/{id} [patch]
func (h *TurmaHandler) UpdateLessonStatus(c *gin.Context) {
	var payload struct {
		Status models.LessonStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "status is required"))
		return
	}

	var (
		lesson *models.Lesson
		err    error
	)
	switch payload.Status {
	case models.LessonStatusCompleted:
		lesson, err = h.turmas.CompleteLesson(c.Request.Context(), c.Param("id"))
	case models.LessonStatusCancelled:
		lesson, err = h.turmas.CancelLesson(c.Request.Context(), c.Param("id"))
	default:
		response.Error(c, appErrors.New(appErrors.ErrValidation.Code, http.StatusBadRequest, "status must be COMPLETED or CANCELLED"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lesson, nil)
}

// CompleteLesson godoc
// @Summary Mark a lesson as completed
// @Tags Lessons
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Router /lessons/{id}/complete [post]
func (h *TurmaHandler) CompleteLesson(c *gin.Context) {
	lesson, err := h.turmas.CompleteLesson(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lesson, nil)
}

// CancelLesson godoc
// @Summary Cancel a scheduled lesson
// @Tags Lessons
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Router /lessons/{id}/cancel [post]
func (h *TurmaHandler) CancelLesson(c *gin.Context) {
	lesson, err := h.turmas.CancelLesson(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lesson, nil)
}
