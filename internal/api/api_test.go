package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tenant-admin/internal/auth"
	"tenant-admin/internal/backup"
	"tenant-admin/internal/maintenance"
	"tenant-admin/internal/manager"
	"tenant-admin/internal/messaging"
	"tenant-admin/internal/model"
	"tenant-admin/internal/storage"
	"tenant-admin/internal/tenancy"
)

const template = "postgres://admin:pw@localhost:5432/core?sslmode=disable"

type directory map[string]*model.Tenant

func (d directory) GetTenantBySlug(_ context.Context, slug string) (*model.Tenant, error) {
	return d[slug], nil
}

func (d directory) GetTenantBySubdomain(context.Context, string) (*model.Tenant, error) {
	return nil, nil
}

func (d directory) GetTenantByCustomDomain(context.Context, string) (*model.Tenant, error) {
	return nil, nil
}

type pools struct{ db *gorm.DB }

func (p pools) Acquire(context.Context, *model.ResolvedTenant) (*gorm.DB, func(), error) {
	return p.db, func() {}, nil
}

type fakeAudit struct {
	filter       model.AuditFilter
	purged       int
	purgedTenant string
	actor        model.Actor
	entries      []model.AuditEntry
}

func (f *fakeAudit) List(_ context.Context, flt model.AuditFilter) ([]model.AuditEntry, int64, error) {
	f.filter = flt
	return f.entries, int64(len(f.entries)), nil
}

func (f *fakeAudit) ExportJSON(_ context.Context, flt model.AuditFilter) ([]byte, error) {
	f.filter = flt
	return []byte("[]"), nil
}

func (f *fakeAudit) ExportCSV(_ context.Context, flt model.AuditFilter) ([]byte, error) {
	f.filter = flt
	return []byte("id,timestamp\n"), nil
}

func (f *fakeAudit) Purge(_ context.Context, days int, actor model.Actor) (int64, error) {
	f.purged, f.purgedTenant, f.actor = days, "", actor
	return 3, nil
}

func (f *fakeAudit) PurgeTenant(_ context.Context, t *model.ResolvedTenant, days int, actor model.Actor) (int64, error) {
	f.purged, f.purgedTenant, f.actor = days, t.Slug, actor
	return 1, nil
}

type fakeBackups struct {
	listed    *uuid.UUID
	created   []backup.CreateRequest
	restoreFn func(backup.RestoreRequest) (*backup.RestoreResult, error)
	file      string
	// owner is the tenant every stored backup belongs to; uuid.Nil means
	// no backup exists.
	owner   uuid.UUID
	deleted []uuid.UUID
}

func (f *fakeBackups) List(_ context.Context, tenantID *uuid.UUID) ([]model.Backup, error) {
	f.listed = tenantID
	return nil, nil
}

func (f *fakeBackups) Create(_ context.Context, req backup.CreateRequest) (*model.Backup, error) {
	f.created = append(f.created, req)
	return &model.Backup{ID: uuid.New(), TenantID: req.TenantID, Kind: req.Kind, Status: model.BackupCompleted}, nil
}

func (f *fakeBackups) Get(_ context.Context, id uuid.UUID) (*model.Backup, error) {
	if f.owner == uuid.Nil {
		return nil, backup.ErrBackupNotFound
	}
	return &model.Backup{ID: id, TenantID: f.owner, FileName: "demo.sql", Status: model.BackupCompleted}, nil
}

func (f *fakeBackups) Open(_ context.Context, id uuid.UUID) (*os.File, *model.Backup, error) {
	if f.file == "" {
		return nil, nil, backup.ErrBackupNotFound
	}
	fh, err := os.Open(f.file)
	if err != nil {
		return nil, nil, err
	}
	return fh, &model.Backup{ID: id, TenantID: f.owner, FileName: "demo.sql"}, nil
}

func (f *fakeBackups) Delete(_ context.Context, id uuid.UUID, _ model.Actor) error {
	if f.owner == uuid.Nil {
		return backup.ErrBackupNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackups) Restore(_ context.Context, req backup.RestoreRequest) (*backup.RestoreResult, error) {
	return f.restoreFn(req)
}

type fakeMaintenance struct{}

func (fakeMaintenance) Stats(context.Context, *gorm.DB) (*maintenance.Stats, error) {
	return &maintenance.Stats{Database: "tenant_demo"}, nil
}

func (fakeMaintenance) Vacuum(_ context.Context, sc *tenancy.Scope, opts maintenance.VacuumOptions) (*maintenance.Result, error) {
	return &maintenance.Result{Operation: "vacuum", Tables: opts.Tables}, nil
}

func (fakeMaintenance) Reindex(_ context.Context, sc *tenancy.Scope, tables []string) (*maintenance.Result, error) {
	return &maintenance.Result{Operation: "reindex", Tables: tables}, nil
}

type publisher struct {
	queue string
	body  []byte
}

func (p *publisher) Publish(queue string, body []byte) error {
	p.queue, p.body = queue, body
	return nil
}

type fixture struct {
	api     *API
	tenant  *model.Tenant
	audit   *fakeAudit
	backups *fakeBackups
	jobs    *publisher
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db, err := storage.OpenGorm(sqlDB)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	tenant := &model.Tenant{ID: uuid.New(), Slug: "demo", Name: "Demo", DatabaseName: "tenant_demo", Status: model.TenantActive}
	f := &fixture{
		tenant:  tenant,
		audit:   &fakeAudit{},
		backups: &fakeBackups{},
		jobs:    &publisher{},
	}
	d := Deps{
		Resolver: tenancy.NewResolver(tenancy.ResolverConfig{
			Directory: directory{"demo": tenant},
			Template:  template,
			Logger:    logger,
		}),
		Pools:         pools{db: db},
		Audit:         f.audit,
		Backups:       f.backups,
		Maintenance:   fakeMaintenance{},
		Jobs:          f.jobs,
		RetentionDays: 90,
		Logger:        logger,
	}
	for _, o := range opts {
		o(&d)
	}
	f.api = NewAPI(d)
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.api.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := newFixture(t).do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"status":"ok"}}`, rec.Body.String())
}

type poolReport manager.Stats

func (p poolReport) Stats() manager.Stats { return manager.Stats(p) }

type droppedCount int64

func (d droppedCount) Dropped() int64 { return int64(d) }

func TestHealth_ReportsPoolsAndAuditDrops(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.PoolStats = poolReport{Open: 1, MaxPools: 10, Pools: []manager.PoolStats{{TenantSlug: "demo", InUse: 2}}}
		d.AuditQueue = droppedCount(4)
	})
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, float64(4), data["auditDropped"])
	pools := data["pools"].(map[string]any)
	assert.Equal(t, float64(1), pools["open"])
	first := pools["pools"].([]any)[0].(map[string]any)
	assert.Equal(t, "demo", first["tenantSlug"])
	assert.Equal(t, float64(2), first["inUse"])
}

func TestCurrentTenant(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/tenant", "", tenancy.HeaderSlug, "demo", tenancy.HeaderSource, "path")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "demo", data["slug"])
	assert.NotContains(t, rec.Body.String(), "admin:pw")

	rec = f.do(http.MethodGet, "/api/tenant", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":null}`, rec.Body.String())
}

func TestTenantRequiredRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/maintenance/stats", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tenant_context_missing", decode(t, rec)["error"])

	rec = f.do(http.MethodGet, "/api/maintenance/stats", "", tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownResource(t *testing.T) {
	rec := newFixture(t).do(http.MethodPost, "/api/widgets", `{"name":"x"}`, tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRecord_RejectsNonObjectBody(t *testing.T) {
	rec := newFixture(t).do(http.MethodPost, "/api/properties", `[1,2]`, tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])
}

func TestListAuditLogs_Filters(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/audit-logs?tenantSlug=other&action=UPDATE&from=2024-01-01T00:00:00Z&limit=10", "",
		tenancy.HeaderSlug, "demo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "demo", f.audit.filter.TenantSlug)
	assert.Equal(t, model.AuditAction("UPDATE"), f.audit.filter.Action)
	assert.Equal(t, 10, f.audit.filter.Limit)
	require.NotNil(t, f.audit.filter.From)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f.audit.filter.From.UTC())

	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, []any{}, data["entries"])

	rec = f.do(http.MethodGet, "/api/audit-logs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportAuditLogs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/audit-logs/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	rec = f.do(http.MethodGet, "/api/audit-logs/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurgeAuditLogs_DefaultsRetention(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/audit-logs/purge", "", "User-Agent", "ops-cli")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90, f.audit.purged)
	assert.Equal(t, "ops-cli", f.audit.actor.UserAgent)

	rec = f.do(http.MethodPost, "/api/audit-logs/purge", `{"retentionDays":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, f.audit.purged)
	assert.Empty(t, f.audit.purgedTenant)
}

func TestActorIP_ForwardingHeadersNeedTrustedProxy(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/audit-logs/purge", "", "X-Forwarded-For", "203.0.113.7", "X-Real-IP", "203.0.113.7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.0.2.1", f.audit.actor.IPAddress)

	f = newFixture(t, func(d *Deps) { d.TrustProxy = true })
	rec = f.do(http.MethodPost, "/api/audit-logs/purge", "", "X-Forwarded-For", "203.0.113.7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", f.audit.actor.IPAddress)
}

func TestPurgeAuditLogs_TenantScoped(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/audit-logs/purge", `{"retentionDays":30}`, tenancy.HeaderSlug, "demo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "demo", f.audit.purgedTenant)
	assert.Equal(t, 30, f.audit.purged)
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, float64(1), data["deleted"])
}

func TestListBackups_Scope(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/backups", "").Code)
	assert.Nil(t, f.backups.listed)

	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/backups", "", tenancy.HeaderSlug, "demo").Code)
	require.NotNil(t, f.backups.listed)
	assert.Equal(t, f.tenant.ID, *f.backups.listed)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/backups?tenantId=nope", "").Code)
}

func TestCreateBackup_Sync(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/backups", "", tenancy.HeaderSlug, "demo")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.backups.created, 1)
	assert.Equal(t, f.tenant.ID, f.backups.created[0].TenantID)
	assert.Equal(t, model.BackupManual, f.backups.created[0].Kind)

	rec = f.do(http.MethodPost, "/api/backups", `{"kind":"auto"}`, tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/backups", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBackup_AsyncPublishesJob(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	rec := f.do(http.MethodPost, "/api/backups?async=true", `{"tenantId":"`+id.String()+`","kind":"scheduled"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, messaging.BackupJobsQueue, f.jobs.queue)
	assert.Empty(t, f.backups.created)

	var job model.BackupJob
	require.NoError(t, json.Unmarshal(f.jobs.body, &job))
	assert.Equal(t, id, job.TenantID)
	assert.Equal(t, model.BackupScheduled, job.Kind)
}

func TestCreateBackup_AsyncWithoutQueue(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Jobs = nil })
	rec := f.do(http.MethodPost, "/api/backups?async=1", "", tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDownloadBackup(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/backups/"+id+"/download", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/backups/xyz/download", "").Code)

	path := t.TempDir() + "/demo.sql"
	require.NoError(t, os.WriteFile(path, []byte("PGDMP"), 0o600))
	f.backups.file = path

	rec := f.do(http.MethodGet, "/api/backups/"+id+"/download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PGDMP", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="demo.sql"`, rec.Header().Get("Content-Disposition"))
}

func TestRestoreBackup_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	id := uuid.NewString()

	f.backups.restoreFn = func(backup.RestoreRequest) (*backup.RestoreResult, error) {
		return nil, backup.ErrNotRestorable
	}
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/backups/"+id+"/restore", "").Code)

	safety := &model.Backup{ID: uuid.New()}
	f.backups.restoreFn = func(req backup.RestoreRequest) (*backup.RestoreResult, error) {
		return &backup.RestoreResult{Backup: &model.Backup{ID: req.BackupID}, SafetyBackup: safety}, nil
	}
	rec := f.do(http.MethodPost, "/api/backups/"+id+"/restore", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), safety.ID.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/backups/"+id, "").Code)
}

func TestBackupRoutes_RejectOtherTenantsBackups(t *testing.T) {
	f := newFixture(t)
	f.backups.owner = uuid.New()
	path := t.TempDir() + "/other.sql"
	require.NoError(t, os.WriteFile(path, []byte("PGDMP"), 0o600))
	f.backups.file = path
	restored := 0
	f.backups.restoreFn = func(req backup.RestoreRequest) (*backup.RestoreResult, error) {
		restored++
		return &backup.RestoreResult{Backup: &model.Backup{ID: req.BackupID}}, nil
	}
	id := uuid.NewString()

	rec := f.do(http.MethodGet, "/api/backups/"+id+"/download", "", tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "PGDMP")

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/api/backups/"+id, "", tenancy.HeaderSlug, "demo").Code)
	assert.Empty(t, f.backups.deleted)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/backups/"+id+"/restore", "", tenancy.HeaderSlug, "demo").Code)
	assert.Zero(t, restored)

	// The owning tenant and platform requests go through.
	f.backups.owner = f.tenant.ID
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/backups/"+id+"/download", "", tenancy.HeaderSlug, "demo").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/backups/"+id+"/restore", "", tenancy.HeaderSlug, "demo").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/backups/"+id, "").Code)
	assert.Len(t, f.backups.deleted, 1)
	assert.Equal(t, 1, restored)
}

func TestBackupRoutes_UnknownBackupIsNotFoundForTenant(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/backups/"+uuid.NewString()+"/restore", "", tenancy.HeaderSlug, "demo")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProductionHidesDetails(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Production = true })
	f.backups.restoreFn = func(backup.RestoreRequest) (*backup.RestoreResult, error) {
		return nil, assert.AnError
	}
	rec := f.do(http.MethodPost, "/api/backups/"+uuid.NewString()+"/restore", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "details")
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	tokens := auth.NewTokens("s3cret", time.Hour)
	f := newFixture(t, func(d *Deps) { d.Tokens = tokens })

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/tenant", "").Code)

	tok, err := tokens.Generate("u1", "", "admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/tenant", "", "Authorization", "Bearer "+tok).Code)
}

func TestMaintenanceVacuum(t *testing.T) {
	rec := newFixture(t).do(http.MethodPost, "/api/maintenance/vacuum", `{"tables":["properties"],"analyze":true}`,
		tenancy.HeaderSlug, "demo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "properties")
}
