package crud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tenant-admin/internal/model"
)

// Record is one row keyed by column name.
type Record = map[string]any

// VersionColumn enables optimistic concurrency on tables that carry it.
const VersionColumn = "version"

// TableStore is the default persistence for a Resource: plain rows of one
// table in the tenant database.
type TableStore struct {
	Table string
}

// Load returns nil, nil when no row has the id.
func (s TableStore) Load(ctx context.Context, db *gorm.DB, id string) (Record, error) {
	rec := Record{}
	err := db.WithContext(ctx).Table(s.Table).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", s.Table, id, err)
	}
	return textColumns(rec), nil
}

// textColumns turns the raw []byte values lib/pq returns for uuid, numeric
// and similar columns into strings, so they compare and encode as text.
func textColumns(rec Record) Record {
	for k, v := range rec {
		switch b := v.(type) {
		case []byte:
			rec[k] = string(b)
		case *[]byte:
			if b != nil {
				rec[k] = string(*b)
			}
		}
	}
	return rec
}

func (s TableStore) Create(ctx context.Context, db *gorm.DB, data Record) (Record, error) {
	row := copyRecord(data)
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	now := time.Now().UTC()
	row["created_at"] = now
	row["updated_at"] = now

	if err := db.WithContext(ctx).Table(s.Table).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create %s: %w", s.Table, err)
	}
	return s.Load(ctx, db, fmt.Sprint(row["id"]))
}

// Update writes data over the row. When the pre-image carries a version the
// write only succeeds if nobody bumped it since the row was loaded.
func (s TableStore) Update(ctx context.Context, db *gorm.DB, id string, data, before Record) (Record, error) {
	row := copyRecord(data)
	for _, k := range []string{"id", "created_at", "tenant_id", VersionColumn} {
		delete(row, k)
	}
	row["updated_at"] = time.Now().UTC()

	q := db.WithContext(ctx).Table(s.Table).Where("id = ?", id)
	if v, ok := before[VersionColumn]; ok && v != nil {
		q = q.Where(VersionColumn+" = ?", v)
		row[VersionColumn] = gorm.Expr(VersionColumn + " + 1")
	}
	res := q.Updates(row)
	if res.Error != nil {
		return nil, fmt.Errorf("update %s %s: %w", s.Table, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, Conflict(fmt.Sprintf("%s %s was modified concurrently", s.Table, id))
	}
	return s.Load(ctx, db, id)
}

func (s TableStore) Delete(ctx context.Context, db *gorm.DB, id string) error {
	if err := db.WithContext(ctx).Table(s.Table).Where("id = ?", id).Delete(nil).Error; err != nil {
		return fmt.Errorf("delete %s %s: %w", s.Table, id, err)
	}
	return nil
}

// FirstCompany returns the id of the tenant's oldest company, "" when it has
// none.
func FirstCompany(ctx context.Context, db *gorm.DB, tenantID uuid.UUID) (string, error) {
	var c model.Company
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Limit(1).
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find default company: %w", err)
	}
	return c.ID.String(), nil
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
