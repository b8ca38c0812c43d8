package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tatamihq/dojo-api/internal/models"
)

// OrganizationRepository provides database access for organizations.
type OrganizationRepository struct {
	db *sqlx.DB
}

// NewOrganizationRepository constructs the repository.
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

const organizationColumns = `id, name, slug, email, phone, logo_url, primary_color, secondary_color, active, created_at, updated_at`

// FindByID returns an organization by identifier.
func (r *OrganizationRepository) FindByID(ctx context.Context, id string) (*models.Organization, error) {
	query := fmt.Sprintf("SELECT %s FROM organizations WHERE id = $1 LIMIT 1", organizationColumns)
	var org models.Organization
	if err := r.db.GetContext(ctx, &org, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find organization by id: %w", err)
	}
	return &org, nil
}

// FindBySlug returns an organization by its public landing-page slug.
func (r *OrganizationRepository) FindBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	query := fmt.Sprintf("SELECT %s FROM organizations WHERE slug = $1 AND active = TRUE LIMIT 1", organizationColumns)
	var org models.Organization
	if err := r.db.GetContext(ctx, &org, query, slug); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find organization by slug: %w", err)
	}
	return &org, nil
}

// Create inserts a new organization.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now

	const query = `INSERT INTO organizations (id, name, slug, email, phone, logo_url, primary_color, secondary_color, active, created_at, updated_at)
		VALUES (:id, :name, :slug, :email, :phone, :logo_url, :primary_color, :secondary_color, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, org); err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// UpdateBranding updates the public branding fields.
func (r *OrganizationRepository) UpdateBranding(ctx context.Context, id string, branding models.OrganizationBranding) error {
	const query = `UPDATE organizations SET logo_url = $2, primary_color = $3, secondary_color = $4, updated_at = $5 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, branding.LogoURL, branding.PrimaryColor, branding.SecondaryColor, time.Now().UTC()); err != nil {
		return fmt.Errorf("update organization branding: %w", err)
	}
	return nil
}
