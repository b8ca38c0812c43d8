package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/service"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/response"
)

// maxLogoSize bounds logo uploads at 2 MiB.
const maxLogoSize = 2 << 20

// OrganizationHandler exposes tenant branding endpoints.
type OrganizationHandler struct {
	orgs *service.OrganizationService
}

// NewOrganizationHandler constructs OrganizationHandler.
func NewOrganizationHandler(orgs *service.OrganizationService) *OrganizationHandler {
	return &OrganizationHandler{orgs: orgs}
}

// Get godoc
// @Summary Current tenant detail
// @Tags Organization
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /organization [get]
func (h *OrganizationHandler) Get(c *gin.Context) {
	org, err := h.orgs.Get(c.Request.Context(), organizationFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, org, nil)
}

// UpdateBranding godoc
// @Summary Update landing-page branding
// @Tags Organization
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.UpdateBrandingRequest true "Branding payload"
// @Success 200 {object} response.Envelope
// @Router /organization/branding [put]
func (h *OrganizationHandler) UpdateBranding(c *gin.Context) {
	var req service.UpdateBrandingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	org, err := h.orgs.UpdateBranding(c.Request.Context(), organizationFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, org, nil)
}

// UploadLogo godoc
// @Summary Upload the academy logo
// @Tags Organization
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param logo formData file true "Logo image"
// @Success 200 {object} response.Envelope
// @Router /organization/logo [post]
func (h *OrganizationHandler) UploadLogo(c *gin.Context) {
	file, header, err := c.Request.FormFile("logo")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "logo file is required"))
		return
	}
	defer file.Close()

	if header.Size > maxLogoSize {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "logo exceeds the 2MB limit"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxLogoSize))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}

	org, err := h.orgs.UploadLogo(c.Request.Context(), organizationFromContext(c), header.Filename, data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, org, nil)
}
