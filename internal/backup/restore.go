package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/model"
	"tenant-admin/internal/tenancy"
)

type RestoreRequest struct {
	BackupID uuid.UUID
	Actor    model.Actor
}

type RestoreResult struct {
	Backup       *model.Backup `json:"backup"`
	SafetyBackup *model.Backup `json:"safetyBackup"`
}

// Restore replaces the tenant database with the contents of a completed
// backup. An auto backup of the current state is taken first and kept
// whatever the outcome; if it fails nothing is restored.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	b, err := s.Get(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BackupCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRestorable, b.ID, b.Status)
	}
	path, err := s.resolvePath(b)
	if err != nil {
		return nil, err
	}
	tenant, err := s.tenants.GetTenantByID(ctx, b.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, b.TenantID)
	}

	start := s.cfg.Clock.Now()
	log := s.logger.WithFields(logrus.Fields{
		"backup_id":   b.ID,
		"tenant_slug": tenant.Slug,
	})
	ev := audit.SystemEvent{
		TenantID:   tenant.ID.String(),
		TenantSlug: tenant.Slug,
		Actor:      req.Actor,
		Action:     model.ActionBackupRestore,
		Module:     module,
		Resource:   "backup",
		ResourceID: b.ID.String(),
		Details:    map[string]any{"file_name": b.FileName},
	}

	safety, err := s.Create(ctx, CreateRequest{TenantID: tenant.ID, Actor: req.Actor, Kind: model.BackupAuto})
	if err != nil {
		ev.Status = model.AuditFailure
		ev.Err = fmt.Errorf("safety backup failed: %w", err)
		s.auditor.RecordSystem(ctx, ev)
		s.observe("restore", model.BackupFailed, start)
		log.WithError(err).Error("Restore aborted, safety backup failed")
		return nil, fmt.Errorf("restore aborted, safety backup failed: %w", err)
	}
	ev.Details["safety_backup_id"] = safety.ID.String()
	log = log.WithField("safety_backup_id", safety.ID)

	if err := s.restore(ctx, tenant, path); err != nil {
		ev.Status = model.AuditFailure
		ev.Err = errors.New(failureMessage(err))
		s.auditor.RecordSystem(context.WithoutCancel(ctx), ev)
		s.observe("restore", model.BackupFailed, start)
		log.WithError(err).Error("Restore failed")
		return &RestoreResult{Backup: b, SafetyBackup: safety}, fmt.Errorf("restore of backup %s failed: %w", b.ID, err)
	}

	ev.Status = model.AuditSuccess
	s.auditor.RecordSystem(ctx, ev)
	s.observe("restore", model.BackupCompleted, start)
	log.Info("Restore completed")
	return &RestoreResult{Backup: b, SafetyBackup: safety}, nil
}

func (s *Service) restore(ctx context.Context, tenant *model.Tenant, path string) error {
	dsn, err := tenancy.DeriveConnectionString(s.cfg.Template, tenant.DatabaseName)
	if err != nil {
		return err
	}
	bin, err := s.cfg.PgRestore.Locate()
	if err != nil {
		return err
	}
	dsn, env := passwordEnv(dsn)
	_, err = s.cfg.Runner.Run(ctx, env, bin, "--clean", "--if-exists", "--no-owner", "-d", dsn, path)
	return err
}
