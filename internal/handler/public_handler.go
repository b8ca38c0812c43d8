package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/service"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/response"
)

// PublicHandler serves the unauthenticated landing-page endpoints: lead
// self-registration, trial slot listing and trial booking. The tenant is
// addressed by slug; the lead ID issued at registration acts as the
// caller's handle for the rest of the flow.
type PublicHandler struct {
	leads          *service.LeadService
	bookings       *service.BookingService
	orgs           *service.OrganizationService
	bookingEnabled bool
}

// NewPublicHandler constructs PublicHandler.
func NewPublicHandler(leads *service.LeadService, bookings *service.BookingService, orgs *service.OrganizationService, bookingEnabled bool) *PublicHandler {
	return &PublicHandler{leads: leads, bookings: bookings, orgs: orgs, bookingEnabled: bookingEnabled}
}

// Branding godoc
// @Summary Landing-page branding for an academy
// @Tags Public
// @Produce json
// @Param slug path string true "Academy slug"
// @Success 200 {object} response.Envelope
// @Router /lp/branding/{slug} [get]
func (h *PublicHandler) Branding(c *gin.Context) {
	branding, err := h.orgs.Branding(c.Request.Context(), c.Param("slug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, branding, nil)
}

// Register godoc
// @Summary Register interest from the landing page
// @Tags Public
// @Accept json
// @Produce json
// @Param payload body service.PublicRegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Router /lp/crm/register [post]
func (h *PublicHandler) Register(c *gin.Context) {
	var req service.PublicRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	info, err := h.leads.RegisterPublic(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, info)
}

// LeadInfo godoc
// @Summary Public view of a registered lead
// @Tags Public
// @Produce json
// @Param leadId path string true "Lead ID"
// @Success 200 {object} response.Envelope
// @Router /lp/crm/info/{leadId} [get]
func (h *PublicHandler) LeadInfo(c *gin.Context) {
	info, err := h.leads.GetPublicInfo(c.Request.Context(), c.Param("leadId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// TrialSlots godoc
// @Summary Trial classes open for booking
// @Tags Public
// @Produce json
// @Param slug query string true "Academy slug"
// @Success 200 {object} response.Envelope
// @Router /lp/crm/classes [get]
func (h *PublicHandler) TrialSlots(c *gin.Context) {
	slug := c.Query("slug")
	if slug == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "slug is required"))
		return
	}
	org, err := h.orgs.ResolveSlug(c.Request.Context(), slug)
	if err != nil {
		response.Error(c, err)
		return
	}
	slots, err := h.bookings.TrialSlots(c.Request.Context(), org.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots, nil)
}

// BookTrial godoc
// @Summary Book a trial class
// @Tags Public
// @Accept json
// @Produce json
// @Success 201 {object} response.Envelope
// @Router /lp/crm/book [post]
func (h *PublicHandler) BookTrial(c *gin.Context) {
	if !h.bookingEnabled {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "public booking is disabled"))
		return
	}
	var payload struct {
		LeadID   string `json:"lead_id" binding:"required"`
		LessonID string `json:"lesson_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "lead_id and lesson_id are required"))
		return
	}
	reservation, err := h.bookings.BookTrial(c.Request.Context(), payload.LeadID, service.BookTrialRequest{LessonID: payload.LessonID})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, reservation)
}

// CancelBooking godoc
// @Summary Cancel a pending trial booking
// @Tags Public
// @Produce json
// @Param leadId path string true "Lead ID"
// @Success 204
// @Router /lp/crm/book/{leadId} [delete]
func (h *PublicHandler) CancelBooking(c *gin.Context) {
	if !h.bookingEnabled {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "public booking is disabled"))
		return
	}
	if err := h.bookings.CancelBooking(c.Request.Context(), c.Param("leadId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
