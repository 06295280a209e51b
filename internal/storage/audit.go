package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tenant-admin/internal/model"
)

const defaultAuditPageSize = 50

// AuditStore persists audit entries in the core database.
type AuditStore struct {
	db *gorm.DB
}

// OpenGorm wraps an existing pool in a gorm handle without opening new
// connections.
func OpenGorm(db *sql.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}

func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (r *AuditStore) Migrate() error {
	return r.db.AutoMigrate(&model.AuditEntry{})
}

func (r *AuditStore) Append(ctx context.Context, e *model.AuditEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

// List returns entries newest first with the total count matching filter.
func (r *AuditStore) List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, int64, error) {
	var (
		entries []model.AuditEntry
		total   int64
	)
	query := applyAuditFilter(r.db.WithContext(ctx).Model(&model.AuditEntry{}), f)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	limit := defaultAuditPageSize
	if f.Limit > 0 {
		limit = f.Limit
	}
	query = query.Order("created_at DESC").Limit(limit)
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	return entries, total, nil
}

// PurgeBefore deletes entries created strictly before cutoff, only those of
// tenantSlug when it is not empty.
func (r *AuditStore) PurgeBefore(ctx context.Context, cutoff time.Time, tenantSlug string) (int64, error) {
	q := r.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if tenantSlug != "" {
		q = q.Where("tenant_slug = ?", tenantSlug)
	}
	res := q.Delete(&model.AuditEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge audit logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func applyAuditFilter(q *gorm.DB, f model.AuditFilter) *gorm.DB {
	if f.TenantSlug != "" {
		q = q.Where("tenant_slug = ?", f.TenantSlug)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Module != "" {
		q = q.Where("module = ?", f.Module)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	return q
}
