// Package scheduler runs periodic backups and audit retention purges.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tenant-admin/internal/backup"
	"tenant-admin/internal/model"
)

const (
	JobBackups = "backups"
	JobPurge   = "audit-purge"
)

type Tenants interface {
	ListTenants(ctx context.Context, status model.TenantStatus) ([]model.Tenant, error)
}

type Backups interface {
	Create(ctx context.Context, req backup.CreateRequest) (*model.Backup, error)
}

type Purger interface {
	Purge(ctx context.Context, retentionDays int, actor model.Actor) (int64, error)
}

type Config struct {
	// BackupSchedule is a 5 or 6 field cron spec; empty disables scheduled
	// backups.
	BackupSchedule string
	PurgeSchedule  string
	RetentionDays  int
}

type Scheduler struct {
	tenants Tenants
	backups Backups
	purger  Purger
	cfg     Config
	logger  *logrus.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(tenants Tenants, backups Backups, purger Purger, cfg Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{tenants: tenants, backups: backups, purger: purger, cfg: cfg, logger: logger}
}

// withSeconds turns a standard 5 field spec into the 6 field form cron
// expects with WithSeconds.
func withSeconds(spec string) string {
	if len(strings.Fields(spec)) == 5 {
		return "0 " + spec
	}
	return spec
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if s.cfg.BackupSchedule != "" {
		if _, err := c.AddFunc(withSeconds(s.cfg.BackupSchedule), s.job(JobBackups, s.RunBackups)); err != nil {
			return fmt.Errorf("invalid backup schedule %q: %w", s.cfg.BackupSchedule, err)
		}
	} else {
		s.logger.Info("Scheduled backups are disabled")
	}
	if s.cfg.PurgeSchedule != "" {
		if _, err := c.AddFunc(withSeconds(s.cfg.PurgeSchedule), s.job(JobPurge, s.RunPurge)); err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", s.cfg.PurgeSchedule, err)
		}
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.WithFields(logrus.Fields{
		"backup_schedule": s.cfg.BackupSchedule,
		"purge_schedule":  s.cfg.PurgeSchedule,
		"retention_days":  s.cfg.RetentionDays,
	}).Info("Scheduler started")
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns reports when each scheduled job fires next.
func (s *Scheduler) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		if err := fn(context.Background()); err != nil {
			s.logger.WithError(err).WithField("job", name).Error("Scheduled job failed")
		}
	}
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	switch name {
	case JobBackups:
		return s.RunBackups(ctx)
	case JobPurge:
		return s.RunPurge(ctx)
	}
	return fmt.Errorf("unknown job %q", name)
}

// RunBackups backs up every active tenant one after the other. A failing
// tenant does not stop the rest.
func (s *Scheduler) RunBackups(ctx context.Context) error {
	start := time.Now()
	tenants, err := s.tenants.ListTenants(ctx, model.TenantActive)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	var (
		errs   *multierror.Error
		failed int
	)
	for _, t := range tenants {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if _, err := s.backups.Create(ctx, backup.CreateRequest{TenantID: t.ID, Kind: model.BackupScheduled}); err != nil {
			failed++
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", t.Slug, err))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"tenants_total":  len(tenants),
		"tenants_failed": failed,
		"duration":       time.Since(start).String(),
	}).Info("Completed scheduled backups")
	return errs.ErrorOrNil()
}

func (s *Scheduler) RunPurge(ctx context.Context) error {
	_, err := s.purger.Purge(ctx, s.cfg.RetentionDays, model.Actor{})
	return err
}
