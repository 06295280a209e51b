// Package maintenance reports on and tidies a tenant database.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/model"
	"tenant-admin/internal/tenancy"
)

type TableStats struct {
	Name            string     `gorm:"column:table_name" json:"name"`
	LiveTuples      int64      `gorm:"column:n_live_tup" json:"liveTuples"`
	DeadTuples      int64      `gorm:"column:n_dead_tup" json:"deadTuples"`
	LastVacuum      *time.Time `gorm:"column:last_vacuum" json:"lastVacuum,omitempty"`
	LastAutovacuum  *time.Time `gorm:"column:last_autovacuum" json:"lastAutovacuum,omitempty"`
	LastAnalyze     *time.Time `gorm:"column:last_analyze" json:"lastAnalyze,omitempty"`
	LastAutoanalyze *time.Time `gorm:"column:last_autoanalyze" json:"lastAutoanalyze,omitempty"`
	TotalBytes      int64      `gorm:"column:total_bytes" json:"totalBytes"`
	TotalSize       string     `gorm:"-" json:"totalSize"`
}

type Stats struct {
	Database    string       `json:"database"`
	SizeBytes   int64        `json:"sizeBytes"`
	Size        string       `json:"size"`
	Tables      []TableStats `json:"tables"`
	DeadTuples  int64        `json:"deadTuples"`
	CollectedAt time.Time    `json:"collectedAt"`
}

type VacuumOptions struct {
	Tables  []string `json:"tables"`
	Full    bool     `json:"full"`
	Analyze bool     `json:"analyze"`
}

// Result lists what a run touched. Failed tables are also reported in the
// returned error.
type Result struct {
	Operation string        `json:"operation"`
	Tables    []string      `json:"tables"`
	Failed    []string      `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type Auditor interface {
	RecordSystem(ctx context.Context, ev audit.SystemEvent)
}

type Service struct {
	auditor Auditor
	logger  *logrus.Logger
}

func NewService(auditor Auditor, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{auditor: auditor, logger: logger}
}

const tableStatsQuery = `SELECT relname AS table_name, n_live_tup, n_dead_tup,
	last_vacuum, last_autovacuum, last_analyze, last_autoanalyze,
	pg_total_relation_size(relid) AS total_bytes
FROM pg_stat_user_tables
ORDER BY total_bytes DESC, relname`

func (s *Service) Stats(ctx context.Context, db *gorm.DB) (*Stats, error) {
	var head struct {
		Name string `gorm:"column:name"`
		Size int64  `gorm:"column:size"`
	}
	if err := db.WithContext(ctx).
		Raw("SELECT current_database() AS name, pg_database_size(current_database()) AS size").
		Scan(&head).Error; err != nil {
		return nil, fmt.Errorf("failed to read database size: %w", err)
	}

	var tables []TableStats
	if err := db.WithContext(ctx).Raw(tableStatsQuery).Scan(&tables).Error; err != nil {
		return nil, fmt.Errorf("failed to read table statistics: %w", err)
	}

	st := &Stats{
		Database:    head.Name,
		SizeBytes:   head.Size,
		Size:        humanize.Bytes(uint64(head.Size)),
		Tables:      tables,
		CollectedAt: time.Now().UTC(),
	}
	for i := range st.Tables {
		st.Tables[i].TotalSize = humanize.Bytes(uint64(st.Tables[i].TotalBytes))
		st.DeadTuples += st.Tables[i].DeadTuples
	}
	if st.Tables == nil {
		st.Tables = []TableStats{}
	}
	return st, nil
}

func (s *Service) userTables(ctx context.Context, db *gorm.DB) (map[string]bool, error) {
	var names []string
	if err := db.WithContext(ctx).Raw("SELECT relname FROM pg_stat_user_tables").Scan(&names).Error; err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	return known, nil
}

// Vacuum runs VACUUM on the named tables, or the whole database when none
// are given.
func (s *Service) Vacuum(ctx context.Context, sc *tenancy.Scope, opts VacuumOptions) (*Result, error) {
	var flags []string
	if opts.Full {
		flags = append(flags, "FULL")
	}
	if opts.Analyze {
		flags = append(flags, "ANALYZE")
	}
	stmt := "VACUUM"
	if len(flags) > 0 {
		stmt += " (" + strings.Join(flags, ", ") + ")"
	}
	return s.run(ctx, sc, model.ActionDBVacuum, "vacuum", stmt, opts.Tables, map[string]any{
		"full":    opts.Full,
		"analyze": opts.Analyze,
	})
}

// Reindex rebuilds the indexes of the named tables, or of the database.
func (s *Service) Reindex(ctx context.Context, sc *tenancy.Scope, tables []string) (*Result, error) {
	return s.run(ctx, sc, model.ActionDBReindex, "reindex", "REINDEX TABLE", tables, nil)
}

func (s *Service) run(ctx context.Context, sc *tenancy.Scope, action model.AuditAction, op, stmt string, tables []string, details map[string]any) (*Result, error) {
	if sc == nil || sc.Tenant == nil || sc.DB == nil {
		return nil, fmt.Errorf("%s requires a tenant database", op)
	}
	start := time.Now()
	res := &Result{Operation: op, Tables: []string{}}
	log := s.logger.WithFields(logrus.Fields{
		"tenant_slug": sc.Tenant.Slug,
		"operation":   op,
	})

	var errs *multierror.Error
	if len(tables) == 0 {
		whole := stmt
		if action == model.ActionDBReindex {
			whole = "REINDEX DATABASE " + pq.QuoteIdentifier(sc.Tenant.DatabaseName)
		}
		if err := sc.DB.WithContext(ctx).Exec(whole).Error; err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", op, err))
		}
	} else {
		known, err := s.userTables(ctx, sc.DB)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if !known[t] {
				res.Failed = append(res.Failed, t)
				errs = multierror.Append(errs, fmt.Errorf("%s: unknown table %q", op, t))
				continue
			}
			if err := sc.DB.WithContext(ctx).Exec(stmt + " " + pq.QuoteIdentifier(t)).Error; err != nil {
				res.Failed = append(res.Failed, t)
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", op, t, err))
				continue
			}
			res.Tables = append(res.Tables, t)
		}
	}
	res.Duration = time.Since(start)

	if details == nil {
		details = map[string]any{}
	}
	details["tables"] = tables
	details["duration_ms"] = res.Duration.Milliseconds()
	ev := audit.SystemEvent{
		TenantID:   sc.Tenant.ID.String(),
		TenantSlug: sc.Tenant.Slug,
		Actor:      audit.ActorFromContext(ctx),
		Action:     action,
		Module:     "maintenance",
		Resource:   "database",
		ResourceID: sc.Tenant.DatabaseName,
		Status:     model.AuditSuccess,
		Details:    details,
	}
	err := errs.ErrorOrNil()
	if err != nil {
		ev.Status = model.AuditFailure
		ev.Err = err
		details["failed"] = res.Failed
		log.WithError(err).Warn("Maintenance run finished with errors")
	} else {
		log.WithField("duration", res.Duration).Info("Maintenance run completed")
	}
	s.auditor.RecordSystem(ctx, ev)
	return res, err
}
