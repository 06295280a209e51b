package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/backup"
	"tenant-admin/internal/config"
	"tenant-admin/internal/crud"
	"tenant-admin/internal/maintenance"
	"tenant-admin/internal/manager"
	"tenant-admin/internal/messaging"
	"tenant-admin/internal/storage"
	"tenant-admin/internal/tenancy"
	"tenant-admin/internal/worker"
)

// app holds every long-lived component. serve and the CLI commands share it.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	store    *storage.Storage
	rabbit   *messaging.RabbitClient
	cache    tenancy.Cache
	resolver *tenancy.Resolver
	pools    *manager.TenantManager
	releases []func()

	writer      *audit.Writer
	audit       *audit.Service
	crud        *crud.Service
	backups     *backup.Service
	maintenance *maintenance.Service
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// bootstrap connects to the core database and wires the services. RabbitMQ
// is only dialled when withQueue is set and a URL is configured.
func bootstrap(ctx context.Context, cfgPath string, withQueue bool) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.store, err = storage.NewStorage(cfg.Database.URL, storage.PoolOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect core database: %w", err)
	}
	a.store.SetLogger(a.logger)
	if err := a.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	a.logger.WithField("dsn", tenancy.MaskConnectionString(cfg.Database.URL)).Info("Core database connected")

	gdb, err := storage.OpenGorm(a.store.SQLDB())
	if err != nil {
		return nil, err
	}
	auditStore := storage.NewAuditStore(gdb)
	if err := auditStore.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit log: %w", err)
	}

	var publisher audit.Publisher
	if withQueue && cfg.RabbitMQ.URL != "" {
		if a.rabbit, err = messaging.NewRabbitClient(cfg.RabbitMQ.URL, a.logger); err != nil {
			return nil, err
		}
		if err := a.rabbit.DeclareExchange(messaging.AuditExchange); err != nil {
			return nil, err
		}
		if err := a.rabbit.DeclareQueue(messaging.BackupJobsQueue); err != nil {
			return nil, err
		}
		publisher = a.rabbit
		a.logger.Info("RabbitMQ connected")
	}

	switch cfg.Resolver.Cache {
	case "redis":
		if a.cache, err = tenancy.NewRedisCacheFromURL(ctx, cfg.Redis.URL); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	default:
		a.cache = tenancy.NewMemoryCache(clock.New())
	}
	a.resolver = tenancy.NewResolver(tenancy.ResolverConfig{
		Directory: a.store,
		Cache:     a.cache,
		CacheTTL:  cfg.Resolver.CacheTTL,
		Template:  cfg.Database.URL,
		Logger:    a.logger,
	})
	a.pools = manager.NewTenantManager(manager.Config{
		MaxPools:     cfg.Pool.MaxPools,
		IdleTimeout:  cfg.Pool.IdleTimeout,
		ConnTimeout:  cfg.Pool.ConnTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
		Logger:       a.logger,
	})

	a.writer = audit.NewWriter(auditStore, audit.WriterConfig{
		QueueSize:   cfg.Audit.QueueSize,
		Workers:     cfg.Audit.Workers,
		Overflow:    worker.Overflow(cfg.Audit.Overflow),
		EnqueueWait: cfg.Audit.EnqueueWait,
		Publisher:   publisher,
		Logger:      a.logger,
	})
	a.writer.Start()
	a.audit = audit.NewService(auditStore, a.writer, clock.New(), a.logger)
	a.crud = crud.NewService(crud.Config{Recorder: a.audit, Logger: a.logger})

	var mirror backup.Mirror
	if cfg.Backup.S3.Bucket != "" {
		m, err := backup.NewS3Mirror(ctx, cfg.Backup.S3, a.logger)
		if err != nil {
			return nil, fmt.Errorf("configure s3 mirror: %w", err)
		}
		mirror = m
	}
	a.backups = backup.NewService(a.store, a.store, a.audit, backup.Config{
		Dir:       cfg.Backup.Dir,
		Template:  cfg.Database.URL,
		PgDump:    backup.NewTool("pg_dump", cfg.Backup.PgDumpPath),
		PgRestore: backup.NewTool("pg_restore", cfg.Backup.PgRestorePath),
		Runner:    backup.ExecRunner{Timeout: cfg.Backup.Timeout, MaxOutput: cfg.Backup.MaxOutputBytes},
		Mirror:    mirror,
		Logger:    a.logger,
	})
	a.maintenance = maintenance.NewService(a.audit, a.logger)

	ok = true
	return a, nil
}

// scope resolves slug to a tenant and its pooled database, the way the HTTP
// middleware does for a request. The handle is held until close.
func (a *app) scope(ctx context.Context, slug string) (*tenancy.Scope, error) {
	t, err := a.resolver.Resolve(ctx, tenancy.Hint{Slug: slug, Source: tenancy.SourcePath})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("no active tenant %q", slug)
	}
	db, release, err := a.pools.Acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	a.releases = append(a.releases, release)
	return &tenancy.Scope{Tenant: t, DB: db}, nil
}

// close flushes queued audit entries before the stores go away.
func (a *app) close() error {
	var result *multierror.Error
	if a.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.writer.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush audit log: %w", err))
		}
		cancel()
	}
	for _, release := range a.releases {
		release()
	}
	if a.pools != nil {
		a.pools.ShutdownAll()
	}
	if c, ok := a.cache.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.rabbit != nil {
		if err := a.rabbit.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
