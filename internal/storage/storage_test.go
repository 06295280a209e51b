package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-admin/internal/model"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Storage) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	s := New(db)
	s.SetLogger(logger)
	return db, mock, s
}

func tenantRows() *sqlmock.Rows {
	return sqlmock.NewRows(tenantColumns)
}

func TestGetTenantBySlug_Found(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, slug, name, subdomain, custom_domain, database_name, status, created_at, updated_at FROM tenants WHERE slug = $1 LIMIT 1")).
		WithArgs("demo").
		WillReturnRows(tenantRows().AddRow(id.String(), "demo", "Demo", "demo", nil, "demo_db", "active", now, now))

	tenant, err := s.GetTenantBySlug(context.Background(), "demo")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, id, tenant.ID)
	assert.Equal(t, "demo_db", tenant.DatabaseName)
	assert.Equal(t, model.TenantActive, tenant.Status)
	require.NotNil(t, tenant.Subdomain)
	assert.Equal(t, "demo", *tenant.Subdomain)
	assert.Nil(t, tenant.CustomDomain)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantBySlug_NotFoundReturnsNil(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM tenants WHERE slug = \$1`).
		WithArgs("ghost").
		WillReturnRows(tenantRows())

	tenant, err := s.GetTenantBySlug(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, tenant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantByCustomDomain_CaseInsensitive(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE lower(custom_domain) = $1")).
		WithArgs("admin.example.com").
		WillReturnRows(tenantRows())

	tenant, err := s.GetTenantByCustomDomain(context.Background(), "Admin.Example.COM")
	require.NoError(t, err)
	assert.Nil(t, tenant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenant_QueryErrorIsReturned(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM tenants`).WillReturnError(errors.New("connection refused"))

	tenant, err := s.GetTenantBySubdomain(context.Background(), "demo")
	require.Error(t, err)
	assert.Nil(t, tenant)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUpdateTenantStatus(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3")).
		WithArgs("suspended", sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tenants`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.UpdateTenantStatus(context.Background(), id, model.TenantSuspended))
	assert.ErrorIs(t, s.UpdateTenantStatus(context.Background(), uuid.New(), model.TenantActive), ErrNotFound)
	assert.Error(t, s.UpdateTenantStatus(context.Background(), id, "archived"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBackup_GuardedOnPreviousStatus(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	id := uuid.New()
	size := int64(2048)
	done := true
	completedAt := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE backups SET status = $1, file_size = $2, compressed = $3, completed_at = $4 WHERE id = $5 AND status = $6")).
		WithArgs("completed", size, done, completedAt, id, "in_progress").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionBackup(context.Background(), id, model.BackupInProgress, model.BackupCompleted, BackupUpdate{
		FileSize:    &size,
		Compressed:  &done,
		CompletedAt: &completedAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBackup_RejectsIllegalMoves(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	id := uuid.New()

	// Rejected before any SQL is issued.
	err := s.TransitionBackup(context.Background(), id, model.BackupCompleted, model.BackupInProgress, BackupUpdate{})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	// Row already moved on by someone else.
	mock.ExpectExec(`UPDATE backups`).WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.TransitionBackup(context.Background(), id, model.BackupPending, model.BackupInProgress, BackupUpdate{})
	assert.ErrorIs(t, err, model.ErrIllegalTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBackups_FallsBackWithoutJoin(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	tenantID := uuid.New()
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN tenants t ON t.id = b.tenant_id WHERE b.tenant_id = $1 ORDER BY b.created_at DESC")).
		WithArgs(tenantID).
		WillReturnError(errors.New(`relation "tenants" does not exist`))
	mock.ExpectQuery(regexp.QuoteMeta("FROM backups WHERE tenant_id = $1 ORDER BY created_at DESC")).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows(backupColumns).
			AddRow(uuid.NewString(), tenantID.String(), "demo", "demo_b.sql", "/b/demo_b.sql", 20, "completed", "manual", nil, true, nil, nil, newer, newer).
			AddRow(uuid.NewString(), tenantID.String(), "demo", "demo_a.sql", "/b/demo_a.sql", 10, "failed", "auto", nil, false, "boom", nil, older, nil))

	backups, err := s.ListBackups(context.Background(), &tenantID)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "demo_b.sql", backups[0].FileName)
	assert.Nil(t, backups[0].TenantName)
	assert.Equal(t, model.BackupFailed, backups[1].Status)
	require.NotNil(t, backups[1].ErrorMessage)
	assert.Equal(t, "boom", *backups[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBackups_JoinedCarriesTenantName(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	now := time.Now().UTC()
	cols := append(append([]string{}, backupColumns...), "tenant_name")
	mock.ExpectQuery(`FROM backups b LEFT JOIN tenants t`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.NewString(), uuid.NewString(), "demo", "demo_x.sql", "demo_x.sql", 5, "completed", "scheduled", nil, true, nil, nil, now, now, "Demo Org"))

	backups, err := s.ListBackups(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.NotNil(t, backups[0].TenantName)
	assert.Equal(t, "Demo Org", *backups[0].TenantName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndDeleteBackup_NotFound(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`FROM backups WHERE id = \$1`).WithArgs(id).WillReturnRows(sqlmock.NewRows(backupColumns))
	mock.ExpectExec(`DELETE FROM backups WHERE id = \$1`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))

	b, err := s.GetBackup(context.Background(), id)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteBackup(context.Background(), id), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBackup_FillsIDAndTimestamp(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO backups`).WillReturnResult(sqlmock.NewResult(0, 1))

	b := &model.Backup{TenantID: uuid.New(), TenantSlug: "demo", Status: model.BackupPending, Kind: model.BackupManual}
	require.NoError(t, s.CreateBackup(context.Background(), b))
	assert.NotEqual(t, uuid.Nil, b.ID)
	assert.False(t, b.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStore_PurgeBeforeScopesToTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	gdb, err := OpenGorm(db)
	require.NoError(t, err)
	store := NewAuditStore(gdb)
	cutoff := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "audit_logs" WHERE created_at < $1 AND tenant_slug = $2`)).
		WithArgs(cutoff, "demo").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "audit_logs" WHERE created_at < $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectCommit()

	n, err := store.PurgeBefore(context.Background(), cutoff, "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.PurgeBefore(context.Background(), cutoff, "")
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
