package maintenance

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/model"
	"tenant-admin/internal/storage"
	"tenant-admin/internal/tenancy"
)

type spyAuditor struct {
	mu     sync.Mutex
	events []audit.SystemEvent
}

func (a *spyAuditor) RecordSystem(_ context.Context, ev audit.SystemEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func setup(t *testing.T) (*Service, *spyAuditor, sqlmock.Sqlmock, *tenancy.Scope) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db, err := storage.OpenGorm(sqlDB)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	auditor := &spyAuditor{}
	sc := &tenancy.Scope{
		Tenant: &model.ResolvedTenant{ID: uuid.New(), Slug: "demo", DatabaseName: "tenant_demo"},
		DB:     db,
	}
	return NewService(auditor, logger), auditor, mock, sc
}

func TestStats(t *testing.T) {
	svc, _, mock, sc := setup(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_database() AS name")).
		WillReturnRows(sqlmock.NewRows([]string{"name", "size"}).AddRow("tenant_demo", int64(8*1024*1024)))
	mock.ExpectQuery("FROM pg_stat_user_tables").
		WillReturnRows(sqlmock.NewRows([]string{
			"table_name", "n_live_tup", "n_dead_tup", "last_vacuum", "last_autovacuum",
			"last_analyze", "last_autoanalyze", "total_bytes",
		}).
			AddRow("properties", 120, 30, nil, nil, nil, nil, int64(65536)).
			AddRow("companies", 3, 1, nil, nil, nil, nil, int64(16384)))

	st, err := svc.Stats(context.Background(), sc.DB)
	require.NoError(t, err)
	assert.Equal(t, "tenant_demo", st.Database)
	assert.Equal(t, "8.4 MB", st.Size)
	require.Len(t, st.Tables, 2)
	assert.Equal(t, "properties", st.Tables[0].Name)
	assert.Equal(t, "66 kB", st.Tables[0].TotalSize)
	assert.Equal(t, int64(31), st.DeadTuples)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVacuum_QuotesTablesAndAggregatesFailures(t *testing.T) {
	svc, auditor, mock, sc := setup(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT relname FROM pg_stat_user_tables")).
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).AddRow("properties").AddRow("companies"))
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (FULL, ANALYZE) "properties"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`VACUUM (FULL, ANALYZE) "companies"`)).
		WillReturnError(errors.New("lock timeout"))

	res, err := svc.Vacuum(context.Background(), sc, VacuumOptions{
		Tables:  []string{"properties", "companies", "users; DROP TABLE x"},
		Full:    true,
		Analyze: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
	assert.Contains(t, err.Error(), "unknown table")
	assert.Equal(t, []string{"properties"}, res.Tables)
	assert.Equal(t, []string{"companies", "users; DROP TABLE x"}, res.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, auditor.events, 1)
	assert.Equal(t, model.ActionDBVacuum, auditor.events[0].Action)
	assert.Equal(t, model.AuditFailure, auditor.events[0].Status)
}

func TestReindex_WholeDatabase(t *testing.T) {
	svc, auditor, mock, sc := setup(t)

	mock.ExpectExec(regexp.QuoteMeta(`REINDEX DATABASE "tenant_demo"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := audit.WithActor(context.Background(), model.Actor{UserID: "admin"})
	_, err := svc.Reindex(ctx, sc, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, auditor.events, 1)
	assert.Equal(t, model.AuditSuccess, auditor.events[0].Status)
	assert.Equal(t, "admin", auditor.events[0].Actor.UserID)
}

func TestRun_RequiresTenant(t *testing.T) {
	svc, _, _, _ := setup(t)
	_, err := svc.Vacuum(context.Background(), nil, VacuumOptions{})
	assert.Error(t, err)
}
