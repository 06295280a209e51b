package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "tenant-admin/docs"
	"tenant-admin/internal/api"
	"tenant-admin/internal/auth"
	"tenant-admin/internal/consumer"
	"tenant-admin/internal/messaging"
	"tenant-admin/internal/metrics"
	"tenant-admin/internal/scheduler"
)

// @title Tenant Admin API
// @version 1.0
// @description Administrative core of a multi-tenant platform: tenant resolution, audited records, audit logs, backups and database maintenance.
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "tenant-admin",
		Short:        "Multi-tenant administration server and tools",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, backup consumer and schedulers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		newBackupCmd(&cfgPath),
		newMaintenanceCmd(&cfgPath),
		newTenantCmd(&cfgPath),
	)
	return root
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	a, err := bootstrap(ctx, cfgPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.WithError(err).Error("Shutdown finished with errors")
		}
	}()
	log := a.logger

	var jobs api.JobPublisher
	if a.rabbit != nil {
		jobs = a.rabbit
		c, err := consumer.Start(a.rabbit.GetConnection(), a.backups, log)
		if err != nil {
			return err
		}
		defer c.Stop()

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.rabbit.UpdateQueueDepth(messaging.BackupJobsQueue)
				}
			}
		}()
	}

	sched := scheduler.New(a.store, a.backups, a.audit, scheduler.Config{
		BackupSchedule: a.cfg.Backup.Schedule,
		PurgeSchedule:  a.cfg.Audit.PurgeSchedule,
		RetentionDays:  a.cfg.Audit.RetentionDays,
	}, log)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	handler := api.NewAPI(api.Deps{
		Resolver:      a.resolver,
		Pools:         a.pools,
		CRUD:          a.crud,
		Audit:         a.audit,
		Backups:       a.backups,
		Maintenance:   a.maintenance,
		Jobs:          jobs,
		PoolStats:     a.pools,
		AuditQueue:    a.writer,
		Tokens:        auth.NewTokens(a.cfg.Auth.JWTSecret, 0),
		TrustProxy:    a.cfg.Server.TrustProxy,
		RetentionDays: a.cfg.Audit.RetentionDays,
		Production:    a.cfg.IsProduction(),
		Logger:        log,
	})
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	log.Info("Shutdown initiated...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP shutdown error")
	}

	log.Info("Graceful shutdown complete")
	return nil
}
