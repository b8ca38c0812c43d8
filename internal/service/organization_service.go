package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tatamihq/dojo-api/internal/models"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
)

type organizationRepository interface {
	FindByID(ctx context.Context, id string) (*models.Organization, error)
	FindBySlug(ctx context.Context, slug string) (*models.Organization, error)
	Create(ctx context.Context, org *models.Organization) error
	UpdateBranding(ctx context.Context, id string, branding models.OrganizationBranding) error
}

type logoStore interface {
	Save(filename string, data []byte) (string, error)
}

// UpdateBrandingRequest restyles the public landing page of a tenant.
type UpdateBrandingRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=2,max=120"`
	PrimaryColor   *string `json:"primary_color" validate:"omitempty,hexcolor"`
	SecondaryColor *string `json:"secondary_color" validate:"omitempty,hexcolor"`
}

// OrganizationService manages tenant records and their landing-page
// branding.
type OrganizationService struct {
	repo      organizationRepository
	logos     logoStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewOrganizationService constructs the organization service.
func NewOrganizationService(repo organizationRepository, logos logoStore, validate *validator.Validate, logger *zap.Logger) *OrganizationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrganizationService{repo: repo, logos: logos, validator: validate, logger: logger}
}

// Get returns a tenant by ID.
func (s *OrganizationService) Get(ctx context.Context, id string) (*models.Organization, error) {
	org, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "organization not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}
	return org, nil
}

// ResolveSlug returns the full tenant record for a landing-page slug.
func (s *OrganizationService) ResolveSlug(ctx context.Context, slug string) (*models.Organization, error) {
	org, err := s.repo.FindBySlug(ctx, strings.ToLower(slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "organization not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}
	return org, nil
}

// Branding returns the public branding of an active tenant by slug.
func (s *OrganizationService) Branding(ctx context.Context, slug string) (*models.OrganizationBranding, error) {
	org, err := s.repo.FindBySlug(ctx, strings.ToLower(slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "organization not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load organization")
	}
	return &models.OrganizationBranding{
		Name:           org.Name,
		Slug:           org.Slug,
		PrimaryColor:   org.PrimaryColor,
		SecondaryColor: org.SecondaryColor,
		LogoURL:        org.LogoURL,
	}, nil
}

// UpdateBranding applies partial branding changes.
func (s *OrganizationService) UpdateBranding(ctx context.Context, id string, req UpdateBrandingRequest) (*models.Organization, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid branding payload")
	}
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		org.Name = *req.Name
	}
	if req.PrimaryColor != nil {
		org.PrimaryColor = *req.PrimaryColor
	}
	if req.SecondaryColor != nil {
		org.SecondaryColor = *req.SecondaryColor
	}
	branding := models.OrganizationBranding{
		Name:           org.Name,
		Slug:           org.Slug,
		PrimaryColor:   org.PrimaryColor,
		SecondaryColor: org.SecondaryColor,
		LogoURL:        org.LogoURL,
	}
	if err := s.repo.UpdateBranding(ctx, id, branding); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update branding")
	}
	return org, nil
}

// UploadLogo stores a logo image and points the tenant branding at it.
func (s *OrganizationService) UploadLogo(ctx context.Context, id, originalName string, data []byte) (*models.Organization, error) {
	org, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".svg", ".webp":
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported logo format")
	}
	filename := fmt.Sprintf("logos/%s-%s%s", org.Slug, uuid.NewString(), ext)
	path, err := s.logos.Save(filename, data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store logo")
	}
	org.LogoURL = &path
	branding := models.OrganizationBranding{
		Name:           org.Name,
		Slug:           org.Slug,
		PrimaryColor:   org.PrimaryColor,
		SecondaryColor: org.SecondaryColor,
		LogoURL:        org.LogoURL,
	}
	if err := s.repo.UpdateBranding(ctx, id, branding); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist logo")
	}
	return org, nil
}
