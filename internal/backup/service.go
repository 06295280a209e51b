// Package backup snapshots and restores tenant databases with pg_dump and
// pg_restore.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
	"tenant-admin/internal/storage"
	"tenant-admin/internal/tenancy"
)

var (
	ErrBackupNotFound = errors.New("backup not found")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrNotRestorable  = errors.New("backup is not completed")
	ErrFileNotFound   = errors.New("backup file not found")
)

const module = "backup"

// Store persists backup metadata.
type Store interface {
	CreateBackup(ctx context.Context, b *model.Backup) error
	GetBackup(ctx context.Context, id uuid.UUID) (*model.Backup, error)
	TransitionBackup(ctx context.Context, id uuid.UUID, from, to model.BackupStatus, upd storage.BackupUpdate) error
	SetBackupRemoteKey(ctx context.Context, id uuid.UUID, key string) error
	ListBackups(ctx context.Context, tenantID *uuid.UUID) ([]model.Backup, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error
}

type Tenants interface {
	GetTenantByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
}

type Auditor interface {
	RecordSystem(ctx context.Context, ev audit.SystemEvent)
}

// Locator finds an executable. *Tool implements it.
type Locator interface {
	Locate() (string, error)
}

type Config struct {
	Dir string
	// Template is the connection string tenant databases are derived from.
	Template  string
	PgDump    Locator
	PgRestore Locator
	Runner    Runner
	Mirror    Mirror
	Clock     clock.Clock
	Logger    *logrus.Logger
}

type Service struct {
	store   Store
	tenants Tenants
	auditor Auditor
	cfg     Config
	logger  *logrus.Logger
}

func NewService(store Store, tenants Tenants, auditor Auditor, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Timeout: 30 * time.Minute, MaxOutput: 32 << 20}
	}
	if cfg.PgDump == nil {
		cfg.PgDump = NewTool("pg_dump", "")
	}
	if cfg.PgRestore == nil {
		cfg.PgRestore = NewTool("pg_restore", "")
	}
	return &Service{store: store, tenants: tenants, auditor: auditor, cfg: cfg, logger: cfg.Logger}
}

type CreateRequest struct {
	TenantID uuid.UUID
	Actor    model.Actor
	Kind     model.BackupKind
}

// FileName is {slug}_{UTC timestamp with millis}.sql with ':' and '.'
// replaced so the name is safe on every filesystem.
func FileName(slug string, at time.Time) string {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return slug + "_" + ts + ".sql"
}

// Create dumps the tenant database and walks the record through
// pending, in_progress and completed or failed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Backup, error) {
	if req.Kind == "" {
		req.Kind = model.BackupManual
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("invalid backup kind %q", req.Kind)
	}
	tenant, err := s.tenants.GetTenantByID(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, req.TenantID)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	start := s.cfg.Clock.Now()
	name := FileName(tenant.Slug, start)
	b := &model.Backup{
		TenantID:   tenant.ID,
		TenantSlug: tenant.Slug,
		FileName:   name,
		FilePath:   filepath.Join(s.cfg.Dir, name),
		Status:     model.BackupPending,
		Kind:       req.Kind,
	}
	if req.Actor.UserID != "" {
		uid := req.Actor.UserID
		b.CreatedBy = &uid
	}
	if err := s.store.CreateBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create backup record: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"backup_id":   b.ID,
		"tenant_slug": tenant.Slug,
		"kind":        req.Kind,
	})

	if err := s.store.TransitionBackup(ctx, b.ID, model.BackupPending, model.BackupInProgress, storage.BackupUpdate{}); err != nil {
		return nil, s.fail(ctx, b, req, start, fmt.Errorf("failed to start backup: %w", err), log)
	}
	b.Status = model.BackupInProgress

	size, err := s.dump(ctx, tenant, b.FilePath)
	if err != nil {
		return nil, s.fail(ctx, b, req, start, err, log)
	}

	completedAt := s.cfg.Clock.Now().UTC()
	if err := s.store.TransitionBackup(ctx, b.ID, model.BackupInProgress, model.BackupCompleted, storage.BackupUpdate{
		FileSize:    &size,
		Compressed:  boolPtr(true),
		CompletedAt: &completedAt,
	}); err != nil {
		return nil, s.fail(ctx, b, req, start, err, log)
	}
	b.Status = model.BackupCompleted
	b.FileSize = size
	b.Compressed = true
	b.CompletedAt = &completedAt

	s.observe("create", model.BackupCompleted, start)
	s.auditor.RecordSystem(ctx, audit.SystemEvent{
		TenantID:   tenant.ID.String(),
		TenantSlug: tenant.Slug,
		Actor:      req.Actor,
		Action:     model.ActionBackupCreate,
		Module:     module,
		Resource:   "backup",
		ResourceID: b.ID.String(),
		Status:     model.AuditSuccess,
		Details: map[string]any{
			"kind":       req.Kind,
			"file_name":  b.FileName,
			"size":       size,
			"size_human": humanize.Bytes(uint64(size)),
		},
	})
	log.WithField("size", humanize.Bytes(uint64(size))).Info("Backup completed")

	s.mirror(ctx, b, log)
	return b, nil
}

func (s *Service) dump(ctx context.Context, tenant *model.Tenant, path string) (int64, error) {
	dsn, err := tenancy.DeriveConnectionString(s.cfg.Template, tenant.DatabaseName)
	if err != nil {
		return 0, err
	}
	bin, err := s.cfg.PgDump.Locate()
	if err != nil {
		return 0, err
	}
	dsn, env := passwordEnv(dsn)
	if _, err := s.cfg.Runner.Run(ctx, env, bin, "-Fc", "-Z", "9", "--no-owner", "-f", path, dsn); err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("dump produced no file: %w", err)
	}
	return fi.Size(), nil
}

// passwordEnv moves the password of dsn into PGPASSWORD so it never shows up
// in the process list.
func passwordEnv(dsn string) (string, []string) {
	dsn, password := tenancy.SplitPassword(dsn)
	if password == "" {
		return dsn, nil
	}
	return dsn, []string{"PGPASSWORD=" + password}
}

// fail marks b failed, removes any partial dump and audits the failure. The
// bookkeeping outlives a cancelled request context. A backup still pending
// passes through in_progress first, the only way to reach failed.
func (s *Service) fail(ctx context.Context, b *model.Backup, req CreateRequest, start time.Time, cause error, log *logrus.Entry) error {
	ctx = context.WithoutCancel(ctx)
	msg := failureMessage(cause)

	if err := os.Remove(b.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Failed to remove partial backup file")
	}
	if b.Status == model.BackupPending {
		if err := s.store.TransitionBackup(ctx, b.ID, model.BackupPending, model.BackupInProgress, storage.BackupUpdate{}); err != nil {
			log.WithError(err).Error("Failed to move backup out of pending")
		} else {
			b.Status = model.BackupInProgress
		}
	}
	if err := s.store.TransitionBackup(ctx, b.ID, b.Status, model.BackupFailed, storage.BackupUpdate{ErrorMessage: &msg}); err != nil {
		log.WithError(err).Error("Failed to mark backup as failed")
	} else {
		b.Status = model.BackupFailed
		b.ErrorMessage = &msg
	}

	s.observe("create", model.BackupFailed, start)
	s.auditor.RecordSystem(ctx, audit.SystemEvent{
		TenantID:   b.TenantID.String(),
		TenantSlug: b.TenantSlug,
		Actor:      req.Actor,
		Action:     model.ActionBackupCreate,
		Module:     module,
		Resource:   "backup",
		ResourceID: b.ID.String(),
		Status:     model.AuditFailure,
		Details:    map[string]any{"kind": req.Kind},
		Err:        errors.New(msg),
	})
	log.WithError(cause).Error("Backup failed")
	return fmt.Errorf("backup %s failed: %w", b.ID, cause)
}

func (s *Service) mirror(ctx context.Context, b *model.Backup, log *logrus.Entry) {
	if s.cfg.Mirror == nil {
		return
	}
	key, err := s.cfg.Mirror.Put(ctx, b.TenantSlug+"/"+b.FileName, b.FilePath)
	if err != nil {
		log.WithError(err).Warn("Failed to mirror backup off-site")
		return
	}
	if err := s.store.SetBackupRemoteKey(ctx, b.ID, key); err != nil {
		log.WithError(err).Warn("Failed to record off-site key")
		return
	}
	b.RemoteKey = &key
}

func (s *Service) observe(op string, status model.BackupStatus, start time.Time) {
	metrics.BackupDuration.WithLabelValues(op).Observe(s.cfg.Clock.Since(start).Seconds())
	metrics.BackupOutcomes.WithLabelValues(op, string(status)).Inc()
}

// List returns backups newest first, for one tenant or all when tenantID is nil.
func (s *Service) List(ctx context.Context, tenantID *uuid.UUID) ([]model.Backup, error) {
	backups, err := s.store.ListBackups(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return backups, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Backup, error) {
	b, err := s.store.GetBackup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Open returns the dump file of a completed backup. The caller closes it.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*os.File, *model.Backup, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if b.Status != model.BackupCompleted {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotRestorable, id, b.Status)
	}
	path, err := s.resolvePath(b)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	return f, b, nil
}

// resolvePath tries the stored path as absolute, relative to the backup
// directory, relative to the working directory, then the bare file name in
// the backup directory.
func (s *Service) resolvePath(b *model.Backup) (string, error) {
	var candidates []string
	if filepath.IsAbs(b.FilePath) {
		candidates = append(candidates, b.FilePath)
	} else if b.FilePath != "" {
		candidates = append(candidates, filepath.Join(s.cfg.Dir, b.FilePath))
		if abs, err := filepath.Abs(b.FilePath); err == nil {
			candidates = append(candidates, abs)
		}
	}
	candidates = append(candidates, filepath.Join(s.cfg.Dir, b.FileName))

	seen := make(map[string]bool, len(candidates))
	tried := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if seen[p] {
			continue
		}
		seen[p] = true
		tried = append(tried, p)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s (tried %s)", ErrFileNotFound, b.FileName, strings.Join(tried, ", "))
}

// Delete removes the dump, its off-site copy and the record.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor model.Actor) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"backup_id": id, "tenant_slug": b.TenantSlug})

	if path, err := s.resolvePath(b); err == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove backup file: %w", err)
		}
	}
	if b.RemoteKey != nil && s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.Remove(ctx, *b.RemoteKey); err != nil {
			log.WithError(err).Warn("Failed to remove off-site copy")
		}
	}
	if err := s.store.DeleteBackup(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return fmt.Errorf("failed to delete backup record: %w", err)
	}

	s.auditor.RecordSystem(ctx, audit.SystemEvent{
		TenantID:   b.TenantID.String(),
		TenantSlug: b.TenantSlug,
		Actor:      actor,
		Action:     model.ActionBackupDelete,
		Module:     module,
		Resource:   "backup",
		ResourceID: id.String(),
		Status:     model.AuditSuccess,
		Details:    map[string]any{"file_name": b.FileName},
	})
	log.Info("Backup deleted")
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
