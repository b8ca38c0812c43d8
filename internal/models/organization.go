package models

import "time"

// Organization is the tenant boundary. Every domain row carries its ID.
type Organization struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Slug           string    `db:"slug" json:"slug"`
	Email          string    `db:"email" json:"email"`
	Phone          string    `db:"phone" json:"phone"`
	PrimaryColor   string    `db:"primary_color" json:"primary_color"`
	SecondaryColor string    `db:"secondary_color" json:"secondary_color"`
	LogoURL        *string   `db:"logo_url" json:"logo_url,omitempty"`
	Active         bool      `db:"active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrganizationBranding is the subset exposed on the public landing flow.
type OrganizationBranding struct {
	Name           string  `db:"name" json:"name"`
	Slug           string  `db:"slug" json:"slug"`
	PrimaryColor   string  `db:"primary_color" json:"primary_color"`
	SecondaryColor string  `db:"secondary_color" json:"secondary_color"`
	LogoURL        *string `db:"logo_url" json:"logo_url,omitempty"`
}
