package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/backup"
	"tenant-admin/internal/crud"
	"tenant-admin/internal/maintenance"
	"tenant-admin/internal/manager"
	"tenant-admin/internal/messaging"
	"tenant-admin/internal/model"
	"tenant-admin/internal/respond"
	"tenant-admin/internal/tenancy"
)

const maxBodyBytes = 1 << 20

// fail maps err onto the envelope. Raw error text is only exposed outside
// production.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := crud.AsError(err); ok {
		details := e.Details
		if e.Status >= http.StatusInternalServerError {
			a.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		}
		respond.Error(w, e.Status, e.Code, e.Message, details, a.expose || e.Status < http.StatusInternalServerError)
		return
	}

	status, code, msg := http.StatusInternalServerError, "internal_error", "Internal server error"
	switch {
	case errors.Is(err, backup.ErrBackupNotFound), errors.Is(err, backup.ErrFileNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Backup not found"
	case errors.Is(err, backup.ErrTenantNotFound):
		status, code, msg = http.StatusNotFound, "tenant_not_found", "Tenant not found"
	case errors.Is(err, backup.ErrNotRestorable):
		status, code, msg = http.StatusBadRequest, "backup_not_completed", "Only completed backups can be used"
	case errors.Is(err, manager.ErrCircuitOpen), errors.Is(err, manager.ErrConnectionFailed):
		status, code, msg = http.StatusServiceUnavailable, "tenant_database_unavailable", "Tenant database is unavailable"
	}
	if status >= http.StatusInternalServerError {
		a.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	respond.Error(w, status, code, msg, err.Error(), a.expose)
}

func (a *API) badRequest(w http.ResponseWriter, message string, details any) {
	respond.Error(w, http.StatusBadRequest, "validation_error", message, details, a.expose)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.PoolStats != nil {
		body["pools"] = a.PoolStats.Stats()
	}
	if a.AuditQueue != nil {
		body["auditDropped"] = a.AuditQueue.Dropped()
	}
	respond.Success(w, http.StatusOK, body)
}

// @Summary Current tenant context
// @Tags Tenant
// @Produce json
// @Param X-Tenant-Slug header string false "Tenant slug"
// @Param X-Tenant-Source header string false "path, subdomain, custom-domain or cookie"
// @Success 200 {object} respond.Envelope
// @Router /api/tenant [get]
func (a *API) CurrentTenant(w http.ResponseWriter, r *http.Request) {
	var tenant *model.ResolvedTenant
	if sc := tenancy.FromContext(r.Context()); sc != nil {
		tenant = sc.Tenant
	}
	respond.Success(w, http.StatusOK, tenant)
}

func (a *API) resource(w http.ResponseWriter, r *http.Request) (crud.Resource, bool) {
	name := chi.URLParam(r, "resource")
	res, ok := a.Resources[name]
	if !ok {
		respond.Error(w, http.StatusNotFound, "not_found", fmt.Sprintf("Unknown resource %q", name), nil, false)
	}
	return res, ok
}

// @Summary Create a record
// @Tags Records
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param resource path string true "properties or companies"
// @Success 201 {object} respond.Envelope
// @Router /api/{resource} [post]
func (a *API) CreateRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	var body crud.Record
	if err := decodeBody(r, &body); err != nil || body == nil {
		a.badRequest(w, "Request body must be a JSON object", errString(err))
		return
	}
	created, err := a.CRUD.Create(r.Context(), res, body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusCreated, created)
}

// @Summary Update a record
// @Tags Records
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param resource path string true "properties or companies"
// @Param id path string true "Record id"
// @Success 200 {object} respond.Envelope
// @Router /api/{resource}/{id} [put]
func (a *API) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	var body crud.Record
	if err := decodeBody(r, &body); err != nil || body == nil {
		a.badRequest(w, "Request body must be a JSON object", errString(err))
		return
	}
	updated, err := a.CRUD.Update(r.Context(), res, chi.URLParam(r, "id"), body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, updated)
}

// @Summary Delete a record
// @Tags Records
// @Security ApiKeyAuth
// @Param resource path string true "properties or companies"
// @Param id path string true "Record id"
// @Success 200 {object} respond.Envelope
// @Router /api/{resource}/{id} [delete]
func (a *API) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.CRUD.Delete(r.Context(), res, id); err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, map[string]string{"id": id})
}

// auditFilter reads the query string. A resolved tenant always wins over a
// tenantSlug parameter.
func (a *API) auditFilter(r *http.Request) (model.AuditFilter, error) {
	q := r.URL.Query()
	f := model.AuditFilter{
		TenantSlug: q.Get("tenantSlug"),
		UserID:     q.Get("userId"),
		Action:     model.AuditAction(q.Get("action")),
		Module:     q.Get("module"),
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resourceId"),
		Status:     model.AuditStatus(q.Get("status")),
	}
	if sc := tenancy.FromContext(r.Context()); sc != nil {
		f.TenantSlug = sc.Tenant.Slug
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC 3339", key)
			}
			*dst = &t
		}
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%s must be a non-negative integer", key)
			}
			*dst = n
		}
	}
	return f, nil
}

// @Summary List audit log entries
// @Tags Audit
// @Security ApiKeyAuth
// @Produce json
// @Param action query string false "Action"
// @Param from query string false "RFC 3339 lower bound"
// @Param to query string false "RFC 3339 upper bound"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} respond.Envelope
// @Router /api/audit-logs [get]
func (a *API) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, err := a.auditFilter(r)
	if err != nil {
		a.badRequest(w, err.Error(), nil)
		return
	}
	entries, total, err := a.Audit.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	respond.Success(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

// @Summary Export audit log entries
// @Tags Audit
// @Security ApiKeyAuth
// @Produce json,text/csv
// @Param format query string false "json (default) or csv"
// @Success 200 {file} file
// @Router /api/audit-logs/export [get]
func (a *API) ExportAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, err := a.auditFilter(r)
	if err != nil {
		a.badRequest(w, err.Error(), nil)
		return
	}

	var (
		data        []byte
		contentType string
		ext         string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		data, err = a.Audit.ExportJSON(r.Context(), f)
		contentType, ext = "application/json", "json"
	case "csv":
		data, err = a.Audit.ExportCSV(r.Context(), f)
		contentType, ext = "text/csv", "csv"
	default:
		a.badRequest(w, "format must be json or csv", nil)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	name := fmt.Sprintf("audit-logs-%s.%s", time.Now().UTC().Format("20060102-150405"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type purgeRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// @Summary Purge audit log entries older than the retention window
// @Description Only entries of the resolved tenant are purged; without a tenant the purge covers the platform.
// @Tags Audit
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Success 200 {object} respond.Envelope
// @Router /api/audit-logs/purge [post]
func (a *API) PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	var body purgeRequest
	if err := decodeBody(r, &body); err != nil {
		a.badRequest(w, "Invalid request body", err.Error())
		return
	}
	if body.RetentionDays <= 0 {
		body.RetentionDays = a.RetentionDays
	}
	actor := audit.ActorFromContext(r.Context())
	var (
		deleted int64
		err     error
	)
	// Without a resolved tenant the purge is platform-wide.
	if sc := tenancy.FromContext(r.Context()); sc != nil {
		deleted, err = a.Audit.PurgeTenant(r.Context(), sc.Tenant, body.RetentionDays, actor)
	} else {
		deleted, err = a.Audit.Purge(r.Context(), body.RetentionDays, actor)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, map[string]any{"deleted": deleted, "retentionDays": body.RetentionDays})
}

// scopeTenantID prefers the resolved tenant, then the tenantId query
// parameter. nil means all tenants.
func scopeTenantID(r *http.Request) (*uuid.UUID, error) {
	if sc := tenancy.FromContext(r.Context()); sc != nil {
		id := sc.Tenant.ID
		return &id, nil
	}
	if v := r.URL.Query().Get("tenantId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.New("tenantId must be a UUID")
		}
		return &id, nil
	}
	return nil, nil
}

// @Summary List backups
// @Tags Backups
// @Security ApiKeyAuth
// @Produce json
// @Param tenantId query string false "Tenant id when no tenant is resolved"
// @Success 200 {object} respond.Envelope
// @Router /api/backups [get]
func (a *API) ListBackups(w http.ResponseWriter, r *http.Request) {
	tenantID, err := scopeTenantID(r)
	if err != nil {
		a.badRequest(w, err.Error(), nil)
		return
	}
	backups, err := a.Backups.List(r.Context(), tenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if backups == nil {
		backups = []model.Backup{}
	}
	respond.Success(w, http.StatusOK, backups)
}

type createBackupRequest struct {
	TenantID *uuid.UUID       `json:"tenantId"`
	Kind     model.BackupKind `json:"kind"`
}

// @Summary Create a backup
// @Tags Backups
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param async query bool false "Queue the backup instead of waiting for it"
// @Success 201 {object} respond.Envelope
// @Success 202 {object} respond.Envelope
// @Router /api/backups [post]
func (a *API) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var body createBackupRequest
	if err := decodeBody(r, &body); err != nil {
		a.badRequest(w, "Invalid request body", err.Error())
		return
	}
	tenantID := body.TenantID
	if sc := tenancy.FromContext(r.Context()); sc != nil {
		id := sc.Tenant.ID
		tenantID = &id
	}
	if tenantID == nil {
		a.badRequest(w, "tenantId is required when no tenant is resolved", nil)
		return
	}
	if body.Kind == "" {
		body.Kind = model.BackupManual
	}
	if !body.Kind.Valid() || body.Kind == model.BackupAuto {
		a.badRequest(w, "kind must be manual or scheduled", nil)
		return
	}
	actor := audit.ActorFromContext(r.Context())

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if a.Jobs == nil {
			respond.Error(w, http.StatusServiceUnavailable, "queue_unavailable", "Asynchronous backups are not configured", nil, false)
			return
		}
		job := model.BackupJob{ID: uuid.New(), TenantID: *tenantID, ActorID: actor.UserID, Kind: body.Kind}
		payload, _ := json.Marshal(job)
		if err := a.Jobs.Publish(messaging.BackupJobsQueue, payload); err != nil {
			a.fail(w, r, err)
			return
		}
		respond.Success(w, http.StatusAccepted, job)
		return
	}

	b, err := a.Backups.Create(r.Context(), backup.CreateRequest{TenantID: *tenantID, Actor: actor, Kind: body.Kind})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusCreated, b)
}

func (a *API) backupID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.badRequest(w, "Invalid backup id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// ownBackup rejects backups of another tenant when the request is
// tenant-scoped.
func ownBackup(r *http.Request, b *model.Backup) error {
	sc := tenancy.FromContext(r.Context())
	if sc == nil || b.TenantID == sc.Tenant.ID {
		return nil
	}
	return crud.Forbidden("Backup belongs to another tenant")
}

// checkBackup loads the backup and applies ownBackup. It is a no-op for
// requests without a tenant.
func (a *API) checkBackup(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	if tenancy.FromContext(r.Context()) == nil {
		return true
	}
	b, err := a.Backups.Get(r.Context(), id)
	if err == nil {
		err = ownBackup(r, b)
	}
	if err != nil {
		a.fail(w, r, err)
		return false
	}
	return true
}

// @Summary Download a backup file
// @Tags Backups
// @Security ApiKeyAuth
// @Produce application/octet-stream
// @Param id path string true "Backup id"
// @Success 200 {file} file
// @Failure 403 {object} respond.Envelope
// @Router /api/backups/{id}/download [get]
func (a *API) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := a.backupID(w, r)
	if !ok {
		return
	}
	f, b, err := a.Backups.Open(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer f.Close()
	if err := ownBackup(r, b); err != nil {
		a.fail(w, r, err)
		return
	}

	fi, err := f.Stat()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, b.FileName))
	http.ServeContent(w, r, b.FileName, fi.ModTime(), f)
}

// @Summary Delete a backup
// @Tags Backups
// @Security ApiKeyAuth
// @Param id path string true "Backup id"
// @Success 200 {object} respond.Envelope
// @Failure 403 {object} respond.Envelope
// @Router /api/backups/{id} [delete]
func (a *API) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := a.backupID(w, r)
	if !ok || !a.checkBackup(w, r, id) {
		return
	}
	if err := a.Backups.Delete(r.Context(), id, audit.ActorFromContext(r.Context())); err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, map[string]string{"id": id.String()})
}

// @Summary Restore a backup
// @Tags Backups
// @Security ApiKeyAuth
// @Produce json
// @Param id path string true "Backup id"
// @Success 200 {object} respond.Envelope
// @Failure 403 {object} respond.Envelope
// @Router /api/backups/{id}/restore [post]
func (a *API) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := a.backupID(w, r)
	if !ok || !a.checkBackup(w, r, id) {
		return
	}
	res, err := a.Backups.Restore(r.Context(), backup.RestoreRequest{BackupID: id, Actor: audit.ActorFromContext(r.Context())})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, res)
}

// @Summary Database statistics of the current tenant
// @Tags Maintenance
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} respond.Envelope
// @Router /api/maintenance/stats [get]
func (a *API) MaintenanceStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Maintenance.Stats(r.Context(), tenancy.FromContext(r.Context()).DB)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respond.Success(w, http.StatusOK, st)
}

// @Summary Vacuum tables of the current tenant
// @Tags Maintenance
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Success 200 {object} respond.Envelope
// @Router /api/maintenance/vacuum [post]
func (a *API) Vacuum(w http.ResponseWriter, r *http.Request) {
	var opts maintenance.VacuumOptions
	if err := decodeBody(r, &opts); err != nil {
		a.badRequest(w, "Invalid request body", err.Error())
		return
	}
	res, err := a.Maintenance.Vacuum(r.Context(), tenancy.FromContext(r.Context()), opts)
	a.maintenanceResult(w, r, res, err)
}

type reindexRequest struct {
	Tables []string `json:"tables"`
}

// @Summary Rebuild indexes of the current tenant
// @Tags Maintenance
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Success 200 {object} respond.Envelope
// @Router /api/maintenance/reindex [post]
func (a *API) Reindex(w http.ResponseWriter, r *http.Request) {
	var body reindexRequest
	if err := decodeBody(r, &body); err != nil {
		a.badRequest(w, "Invalid request body", err.Error())
		return
	}
	res, err := a.Maintenance.Reindex(r.Context(), tenancy.FromContext(r.Context()), body.Tables)
	a.maintenanceResult(w, r, res, err)
}

// maintenanceResult reports partial failures as 500 with the per-table
// result attached.
func (a *API) maintenanceResult(w http.ResponseWriter, r *http.Request, res *maintenance.Result, err error) {
	if err != nil {
		if res == nil {
			a.fail(w, r, err)
			return
		}
		a.Logger.WithError(err).Warn("maintenance finished with errors")
		respond.Error(w, http.StatusInternalServerError, "maintenance_failed", "Some tables could not be processed",
			map[string]any{"result": res, "error": err.Error()}, a.expose)
		return
	}
	respond.Success(w, http.StatusOK, res)
}

func errString(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}
