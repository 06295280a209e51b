package api

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"tenant-admin/internal/crud"
	"tenant-admin/internal/diff"
)

// DefaultResources is the set of audited tables exposed under /api/{resource}.
func DefaultResources() map[string]crud.Resource {
	return map[string]crud.Resource{
		"properties": {
			Name:   "property",
			Module: "properties",
			Table:  "properties",
			Fields: diff.FieldSet{
				Fields:    []string{"name", "address", "city", "price", "status", "description", "company_id"},
				Relations: []string{"units", "owner"},
				Numeric:   []string{"price"},
			},
			CompanyScoped: true,
		},
		"companies": {
			Name:      "company",
			Module:    "companies",
			Table:     "companies",
			Fields:    diff.FieldSet{Fields: []string{"name"}},
			CanDelete: companyDeletable,
		},
	}
}

// companyDeletable refuses to drop a company that still owns properties.
func companyDeletable(ctx context.Context, db *gorm.DB, before crud.Record) (bool, string, error) {
	var n int64
	err := db.WithContext(ctx).Table("properties").Where("company_id = ?", before["id"]).Count(&n).Error
	if err != nil {
		return false, "", err
	}
	if n > 0 {
		return false, fmt.Sprintf("company still owns %d properties", n), nil
	}
	return true, "", nil
}
