package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"tenant-admin/internal/model"
)

var tenantColumns = []string{
	"id", "slug", "name", "subdomain", "custom_domain",
	"database_name", "status", "created_at", "updated_at",
}

func (s *Storage) findTenant(ctx context.Context, where sq.Sqlizer) (*model.Tenant, error) {
	q := s.sb.Select(tenantColumns...).From("tenants").Where(where).Limit(1)
	t, err := getOne[model.Tenant](ctx, s.DB, q)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}
	return t, nil
}

// GetTenantBySlug returns nil, nil when no tenant carries the slug.
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	return s.findTenant(ctx, sq.Eq{"slug": slug})
}

func (s *Storage) GetTenantBySubdomain(ctx context.Context, subdomain string) (*model.Tenant, error) {
	return s.findTenant(ctx, sq.Expr("lower(subdomain) = ?", strings.ToLower(subdomain)))
}

func (s *Storage) GetTenantByCustomDomain(ctx context.Context, host string) (*model.Tenant, error) {
	return s.findTenant(ctx, sq.Expr("lower(custom_domain) = ?", strings.ToLower(host)))
}

func (s *Storage) GetTenantByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	return s.findTenant(ctx, sq.Eq{"id": id.String()})
}

// ListTenants returns tenants ordered by slug; an empty status lists all.
func (s *Storage) ListTenants(ctx context.Context, status model.TenantStatus) ([]model.Tenant, error) {
	q := s.sb.Select(tenantColumns...).From("tenants").OrderBy("slug")
	if status != "" {
		q = q.Where(sq.Eq{"status": status})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var tenants []model.Tenant
	if err := s.DB.SelectContext(ctx, &tenants, query, args...); err != nil {
		return nil, fmt.Errorf("list tenants failed: %w", err)
	}
	return tenants, nil
}

func (s *Storage) CreateTenant(ctx context.Context, t *model.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = model.TenantActive
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	query, args, err := s.sb.Insert("tenants").
		Columns(tenantColumns...).
		Values(t.ID, t.Slug, t.Name, t.Subdomain, t.CustomDomain,
			t.DatabaseName, t.Status, t.CreatedAt, t.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create tenant failed: %w", err)
	}
	return nil
}

func (s *Storage) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status model.TenantStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	query, args, err := s.sb.Update("tenants").
		Set("status", status).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update tenant status failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
