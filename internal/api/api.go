package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"
	"gorm.io/gorm"

	"tenant-admin/internal/auth"
	"tenant-admin/internal/backup"
	"tenant-admin/internal/crud"
	"tenant-admin/internal/maintenance"
	"tenant-admin/internal/manager"
	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
	"tenant-admin/internal/tenancy"
)

type AuditService interface {
	List(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, int64, error)
	ExportJSON(ctx context.Context, f model.AuditFilter) ([]byte, error)
	ExportCSV(ctx context.Context, f model.AuditFilter) ([]byte, error)
	Purge(ctx context.Context, retentionDays int, actor model.Actor) (int64, error)
	PurgeTenant(ctx context.Context, t *model.ResolvedTenant, retentionDays int, actor model.Actor) (int64, error)
}

type BackupService interface {
	List(ctx context.Context, tenantID *uuid.UUID) ([]model.Backup, error)
	Create(ctx context.Context, req backup.CreateRequest) (*model.Backup, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Backup, error)
	Open(ctx context.Context, id uuid.UUID) (*os.File, *model.Backup, error)
	Delete(ctx context.Context, id uuid.UUID, actor model.Actor) error
	Restore(ctx context.Context, req backup.RestoreRequest) (*backup.RestoreResult, error)
}

type MaintenanceService interface {
	Stats(ctx context.Context, db *gorm.DB) (*maintenance.Stats, error)
	Vacuum(ctx context.Context, sc *tenancy.Scope, opts maintenance.VacuumOptions) (*maintenance.Result, error)
	Reindex(ctx context.Context, sc *tenancy.Scope, tables []string) (*maintenance.Result, error)
}

// PoolReporter and AuditQueue feed /healthz.
type PoolReporter interface {
	Stats() manager.Stats
}

type AuditQueue interface {
	Dropped() int64
}

// JobPublisher queues work for the backup consumer.
type JobPublisher interface {
	Publish(queue string, body []byte) error
}

type Deps struct {
	Resolver    *tenancy.Resolver
	Pools       tenancy.DBProvider
	CRUD        *crud.Service
	Resources   map[string]crud.Resource
	Audit       AuditService
	Backups     BackupService
	Maintenance MaintenanceService
	Jobs        JobPublisher
	PoolStats   PoolReporter
	AuditQueue  AuditQueue
	Tokens      *auth.Tokens
	// TrustProxy lets forwarding headers set the client address.
	TrustProxy bool
	// RetentionDays is the purge default when a request names none.
	RetentionDays int
	Production    bool
	Logger        *logrus.Logger
}

type API struct {
	Deps
	expose bool
}

func NewAPI(d Deps) *API {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Resources == nil {
		d.Resources = DefaultResources()
	}
	return &API{Deps: d, expose: !d.Production}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	tenantCfg := tenancy.MiddlewareConfig{
		Resolver:      a.Resolver,
		Pools:         a.Pools,
		ExposeDetails: a.expose,
		Logger:        a.Logger,
	}
	optionalTenant := tenancy.Middleware(tenantCfg, false)
	requiredTenant := tenancy.Middleware(tenantCfg, true)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(a.Tokens, a.Tokens.Enabled()))

		r.Group(func(r chi.Router) {
			r.Use(optionalTenant)

			r.Get("/tenant", a.CurrentTenant)

			r.Get("/audit-logs", a.ListAuditLogs)
			r.Get("/audit-logs/export", a.ExportAuditLogs)
			r.Post("/audit-logs/purge", a.PurgeAuditLogs)

			r.Get("/backups", a.ListBackups)
			r.Post("/backups", a.CreateBackup)
			r.Get("/backups/{id}/download", a.DownloadBackup)
			r.Delete("/backups/{id}", a.DeleteBackup)
			r.Post("/backups/{id}/restore", a.RestoreBackup)
		})

		r.Group(func(r chi.Router) {
			r.Use(requiredTenant)

			r.Get("/maintenance/stats", a.MaintenanceStats)
			r.Post("/maintenance/vacuum", a.Vacuum)
			r.Post("/maintenance/reindex", a.Reindex)

			r.Post("/{resource}", a.CreateRecord)
			r.Put("/{resource}/{id}", a.UpdateRecord)
			r.Delete("/{resource}/{id}", a.DeleteRecord)
		})
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		a.Logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("request")
	})
}
