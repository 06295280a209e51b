// Package audit records who changed what, stores it, and exports it.
package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tenant-admin/internal/model"
)

const (
	MaxExportRows        = 10000
	DefaultRetentionDays = 90
)

// SystemEvent is a module-level action such as a backup or maintenance run.
type SystemEvent struct {
	TenantID   string
	TenantSlug string
	Actor      model.Actor
	Action     model.AuditAction
	Module     string
	Resource   string
	ResourceID string
	Status     model.AuditStatus
	Details    map[string]any
	Err        error
}

type Service struct {
	store  Store
	writer *Writer
	clock  clock.Clock
	logger *logrus.Logger
}

func NewService(store Store, writer *Writer, clk clock.Clock, logger *logrus.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: store, writer: writer, clock: clk, logger: logger}
}

// Record queues a record-level entry.
func (s *Service) Record(_ context.Context, e *model.AuditEntry) {
	if e.Category == "" {
		e.Category = model.CategoryRecord
	}
	if e.Status == "" {
		e.Status = model.AuditSuccess
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now().UTC()
	}
	s.writer.Enqueue(e)
}

// RecordSystem queues a system entry; ev.Err, when set, becomes the error
// message and turns a missing status into failure.
func (s *Service) RecordSystem(ctx context.Context, ev SystemEvent) {
	e := &model.AuditEntry{
		TenantID:   ev.TenantID,
		TenantSlug: ev.TenantSlug,
		Category:   model.CategorySystem,
		Action:     ev.Action,
		Module:     ev.Module,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Status:     ev.Status,
		IPAddress:  ev.Actor.IPAddress,
		UserAgent:  ev.Actor.UserAgent,
	}
	if ev.Actor.UserID != "" {
		uid := ev.Actor.UserID
		e.UserID = &uid
	}
	if ev.Err != nil {
		e.ErrorMessage = ev.Err.Error()
		if e.Status == "" {
			e.Status = model.AuditFailure
		}
	}
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			e.Details = datatypes.JSON(b)
		}
	}
	s.Record(ctx, e)
}

func (s *Service) List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, int64, error) {
	entries, total, err := s.store.List(ctx, f)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_slug", f.TenantSlug).Error("Failed to list audit logs")
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return entries, total, nil
}

func (s *Service) export(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	f.Limit = MaxExportRows
	f.Offset = 0
	entries, _, err := s.store.List(ctx, f)
	if err != nil {
		s.logger.WithError(err).WithField("tenant_slug", f.TenantSlug).Error("Failed to export audit logs")
		return nil, fmt.Errorf("failed to export audit logs: %w", err)
	}
	return entries, nil
}

// ExportJSON renders at most MaxExportRows entries as an indented array.
func (s *Service) ExportJSON(ctx context.Context, f model.AuditFilter) ([]byte, error) {
	entries, err := s.export(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_slug": f.TenantSlug,
		"count":       len(entries),
		"format":      "JSON",
	}).Info("Exported audit logs")
	return data, nil
}

var csvHeader = []string{
	"ID", "User ID", "Tenant Slug", "Action", "Module", "Resource",
	"Resource ID", "Status", "IP Address", "Created At", "Error Message",
}

// ExportCSV renders at most MaxExportRows entries with a header row.
func (s *Service) ExportCSV(ctx context.Context, f model.AuditFilter) ([]byte, error) {
	entries, err := s.export(ctx, f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}
	for _, e := range entries {
		userID := ""
		if e.UserID != nil {
			userID = *e.UserID
		}
		if err := w.Write([]string{
			e.ID.String(),
			userID,
			e.TenantSlug,
			string(e.Action),
			e.Module,
			e.Resource,
			e.ResourceID,
			string(e.Status),
			e.IPAddress,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.ErrorMessage,
		}); err != nil {
			return nil, fmt.Errorf("failed to write CSV: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_slug": f.TenantSlug,
		"count":       len(entries),
		"format":      "CSV",
	}).Info("Exported audit logs")
	return buf.Bytes(), nil
}

// Purge deletes entries of every tenant older than retentionDays
// (DefaultRetentionDays when not positive) and records the purge itself.
func (s *Service) Purge(ctx context.Context, retentionDays int, actor model.Actor) (int64, error) {
	return s.purge(ctx, nil, retentionDays, actor)
}

// PurgeTenant is Purge limited to the entries of one tenant.
func (s *Service) PurgeTenant(ctx context.Context, t *model.ResolvedTenant, retentionDays int, actor model.Actor) (int64, error) {
	if t == nil {
		return 0, errors.New("no tenant")
	}
	return s.purge(ctx, t, retentionDays, actor)
}

func (s *Service) purge(ctx context.Context, t *model.ResolvedTenant, retentionDays int, actor model.Actor) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -retentionDays)

	var tenantID, slug string
	if t != nil {
		tenantID, slug = t.ID.String(), t.Slug
	}
	deleted, err := s.store.PurgeBefore(ctx, cutoff, slug)
	ev := SystemEvent{
		TenantID:   tenantID,
		TenantSlug: slug,
		Actor:      actor,
		Action:     model.ActionAuditPurge,
		Module:     "audit",
		Status:     model.AuditSuccess,
		Details: map[string]any{
			"retention_days": retentionDays,
			"cutoff":         cutoff.Format(time.RFC3339),
			"deleted":        deleted,
		},
	}
	if err != nil {
		ev.Status = model.AuditFailure
		ev.Err = err
		s.RecordSystem(ctx, ev)
		s.logger.WithError(err).Error("Failed to purge audit logs")
		return 0, err
	}
	s.RecordSystem(ctx, ev)

	s.logger.WithFields(logrus.Fields{
		"tenant_slug":    slug,
		"retention_days": retentionDays,
		"logs_deleted":   deleted,
	}).Info("Completed audit log purge")
	return deleted, nil
}
