package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"tenant-admin/internal/model"
)

var backupColumns = []string{
	"id", "tenant_id", "tenant_slug", "file_name", "file_path", "file_size",
	"status", "kind", "created_by", "compressed", "error_message", "remote_key",
	"created_at", "completed_at",
}

func prefixed(prefix string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + "." + c
	}
	return out
}

func (s *Storage) CreateBackup(ctx context.Context, b *model.Backup) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Insert("backups").
		Columns(backupColumns...).
		Values(b.ID, b.TenantID, b.TenantSlug, b.FileName, b.FilePath, b.FileSize,
			b.Status, b.Kind, b.CreatedBy, b.Compressed, b.ErrorMessage, b.RemoteKey,
			b.CreatedAt, b.CompletedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create backup failed: %w", err)
	}
	return nil
}

func (s *Storage) GetBackup(ctx context.Context, id uuid.UUID) (*model.Backup, error) {
	q := s.sb.Select(backupColumns...).From("backups").Where(sq.Eq{"id": id.String()})
	b, err := getOne[model.Backup](ctx, s.DB, q)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get backup failed: %w", err)
	}
	return b, err
}

// BackupUpdate carries the columns written together with a status change.
type BackupUpdate struct {
	FileSize     *int64
	Compressed   *bool
	ErrorMessage *string
	CompletedAt  *time.Time
}

// TransitionBackup moves a backup from one status to the next. The UPDATE is
// guarded on the current status so concurrent writers cannot move it backwards.
func (s *Storage) TransitionBackup(ctx context.Context, id uuid.UUID, from, to model.BackupStatus, upd BackupUpdate) error {
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}
	q := s.sb.Update("backups").
		Set("status", to).
		Where(sq.Eq{"id": id.String(), "status": from})
	if upd.FileSize != nil {
		q = q.Set("file_size", *upd.FileSize)
	}
	if upd.Compressed != nil {
		q = q.Set("compressed", *upd.Compressed)
	}
	if upd.ErrorMessage != nil {
		q = q.Set("error_message", *upd.ErrorMessage)
	}
	if upd.CompletedAt != nil {
		q = q.Set("completed_at", *upd.CompletedAt)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update backup status failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: backup %s is not %s", model.ErrIllegalTransition, id, from)
	}
	return nil
}

func (s *Storage) SetBackupRemoteKey(ctx context.Context, id uuid.UUID, key string) error {
	query, args, err := s.sb.Update("backups").
		Set("remote_key", key).
		Where(sq.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, query, args...)
	return err
}

// ListBackups returns backups newest first, joined with the owning tenant's
// name. When the join fails (e.g. the directory table is unavailable) the
// query is retried against the backups table alone.
func (s *Storage) ListBackups(ctx context.Context, tenantID *uuid.UUID) ([]model.Backup, error) {
	joined := s.sb.Select(append(prefixed("b", backupColumns), "t.name AS tenant_name")...).
		From("backups b").
		LeftJoin("tenants t ON t.id = b.tenant_id").
		OrderBy("b.created_at DESC")
	if tenantID != nil {
		joined = joined.Where(sq.Eq{"b.tenant_id": tenantID.String()})
	}

	backups, err := s.selectBackups(ctx, joined)
	if err == nil {
		return backups, nil
	}
	s.log.WithError(err).Warn("backup listing with tenant join failed, retrying without join")

	plain := s.sb.Select(backupColumns...).From("backups").OrderBy("created_at DESC")
	if tenantID != nil {
		plain = plain.Where(sq.Eq{"tenant_id": tenantID.String()})
	}
	backups, err = s.selectBackups(ctx, plain)
	if err != nil {
		return nil, fmt.Errorf("list backups failed: %w", err)
	}
	return backups, nil
}

func (s *Storage) selectBackups(ctx context.Context, q sq.SelectBuilder) ([]model.Backup, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	backups := []model.Backup{}
	if err := s.DB.SelectContext(ctx, &backups, query, args...); err != nil {
		return nil, err
	}
	return backups, nil
}

func (s *Storage) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	query, args, err := s.sb.Delete("backups").Where(sq.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete backup failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
