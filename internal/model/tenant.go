package model

import (
	"time"

	"github.com/google/uuid"
)

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

// Valid reports whether s is one of the known tenant statuses.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantActive, TenantInactive, TenantSuspended:
		return true
	}
	return false
}

// Tenant is one isolated customer environment with its own database.
type Tenant struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	Slug         string       `db:"slug" json:"slug"`
	Name         string       `db:"name" json:"name"`
	Subdomain    *string      `db:"subdomain" json:"subdomain,omitempty"`
	CustomDomain *string      `db:"custom_domain" json:"customDomain,omitempty"`
	DatabaseName string       `db:"database_name" json:"databaseName"`
	Status       TenantStatus `db:"status" json:"status"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantActive
}

// ResolvedTenant is the cached, request-facing projection of an active Tenant.
type ResolvedTenant struct {
	ID               uuid.UUID `json:"id"`
	Slug             string    `json:"slug"`
	Name             string    `json:"name"`
	DatabaseName     string    `json:"databaseName"`
	ConnectionString string    `json:"-"`
	Subdomain        string    `json:"subdomain,omitempty"`
	CustomDomain     string    `json:"customDomain,omitempty"`
}

// Company is a sub-scope inside a tenant database.
type Company struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  uuid.UUID `gorm:"type:uuid;index;not null" json:"tenantId"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (Company) TableName() string {
	return "companies"
}
