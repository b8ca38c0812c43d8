package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/middleware"
	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/internal/service"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/response"
)

// LeadHandler exposes the CRM pipeline endpoints.
type LeadHandler struct {
	leads *service.LeadService
}

// NewLeadHandler constructs LeadHandler.
func NewLeadHandler(leads *service.LeadService) *LeadHandler {
	return &LeadHandler{leads: leads}
}

// List godoc
// @Summary List leads
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Param stage query string false "Filter by pipeline stage"
// @Param search query string false "Search by name, email or phone"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /crm/leads [get]
func (h *LeadHandler) List(c *gin.Context) {
	var filter models.LeadFilter
	filter.OrganizationID = organizationFromContext(c)
	filter.Stage = models.LeadStage(c.Query("stage"))
	filter.Search = strings.TrimSpace(c.Query("search"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	leads, pagination, err := h.leads.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, leads, pagination)
}

// Get godoc
// @Summary Get lead detail
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Success 200 {object} response.Envelope
// @Router /crm/leads/{id} [get]
func (h *LeadHandler) Get(c *gin.Context) {
	lead, err := h.leads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lead, nil)
}

// Create godoc
// @Summary Capture a lead
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateLeadRequest true "Lead payload"
// @Success 201 {object} response.Envelope
// @Router /crm/leads [post]
func (h *LeadHandler) Create(c *gin.Context) {
	var req service.CreateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.OrganizationID = organizationFromContext(c)

	lead, err := h.leads.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, lead)
}

// Update godoc
// @Summary Update lead contact details
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Param payload body service.UpdateLeadRequest true "Lead payload"
// @Success 200 {object} response.Envelope
// @Router /crm/leads/{id} [put]
func (h *LeadHandler) Update(c *gin.Context) {
	var req service.UpdateLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	lead, err := h.leads.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lead, nil)
}

// Delete godoc
// @Summary Delete a lead
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Success 204
// @Router /crm/leads/{id} [delete]
func (h *LeadHandler) Delete(c *gin.Context) {
	if err := h.leads.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Move godoc
// @Summary Move lead to another pipeline stage
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Param payload body service.MoveLeadRequest true "Target stage"
// @Success 200 {object} response.Envelope
// @Router /crm/leads/{id}/move [post]
func (h *LeadHandler) Move(c *gin.Context) {
	var req service.MoveLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	lead, err := h.leads.Move(c.Request.Context(), c.Param("id"), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lead, nil)
}

// Convert godoc
// @Summary Convert a lead into an enrolled student
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Param payload body service.ConvertLeadRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Router /crm/leads/{id}/convert [post]
func (h *LeadHandler) Convert(c *gin.Context) {
	var req service.ConvertLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.leads.Convert(c.Request.Context(), c.Param("id"), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Lose godoc
// @Summary Mark a lead as lost
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Param payload body service.LoseLeadRequest true "Loss reason"
// @Success 200 {object} response.Envelope
// @Router /crm/leads/{id}/lose [post]
func (h *LeadHandler) Lose(c *gin.Context) {
	var req service.LoseLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	lead, err := h.leads.Lose(c.Request.Context(), c.Param("id"), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lead, nil)
}

// AddNote godoc
// @Summary Attach a note to a lead
// @Tags CRM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Success 201 {object} response.Envelope
// @Router /crm/leads/{id}/notes [post]
func (h *LeadHandler) AddNote(c *gin.Context) {
	var payload struct {
		Title       string `json:"title" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "note title required"))
		return
	}
	activity, err := h.leads.AddNote(c.Request.Context(), c.Param("id"), actorFromContext(c), payload.Title, payload.Description)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, activity)
}

// Activities godoc
// @Summary List the lead's activity timeline
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Param id path string true "Lead ID"
// @Success 200 {object} response.Envelope
// @Router /crm/leads/{id}/activities [get]
func (h *LeadHandler) Activities(c *gin.Context) {
	activities, err := h.leads.Activities(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, activities, nil)
}

// Funnel godoc
// @Summary Pipeline funnel counts and conversion shares
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /crm/funnel [get]
func (h *LeadHandler) Funnel(c *gin.Context) {
	funnel, cached, err := h.leads.Funnel(c.Request.Context(), organizationFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cached)
	response.JSON(c, http.StatusOK, funnel, nil, middleware.ExtractMeta(c))
}
