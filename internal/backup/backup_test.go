package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/model"
	"tenant-admin/internal/storage"
)

type transition struct{ from, to model.BackupStatus }

type memStore struct {
	mu          sync.Mutex
	backups     map[uuid.UUID]*model.Backup
	order       []uuid.UUID
	transitions map[uuid.UUID][]transition
	// refuseOnce fails the next transition into this status.
	refuseOnce model.BackupStatus
}

func newMemStore() *memStore {
	return &memStore{backups: map[uuid.UUID]*model.Backup{}, transitions: map[uuid.UUID][]transition{}}
}

func (m *memStore) CreateBackup(_ context.Context, b *model.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uuid.New()
	cp := *b
	m.backups[b.ID] = &cp
	m.order = append(m.order, b.ID)
	return nil
}

func (m *memStore) GetBackup(_ context.Context, id uuid.UUID) (*model.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) TransitionBackup(_ context.Context, id uuid.UUID, from, to model.BackupStatus, upd storage.BackupUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}
	if to == m.refuseOnce {
		m.refuseOnce = ""
		return errors.New("connection reset")
	}
	b := m.backups[id]
	if b.Status != from {
		return model.ErrIllegalTransition
	}
	b.Status = to
	if upd.FileSize != nil {
		b.FileSize = *upd.FileSize
	}
	if upd.Compressed != nil {
		b.Compressed = *upd.Compressed
	}
	if upd.ErrorMessage != nil {
		b.ErrorMessage = upd.ErrorMessage
	}
	if upd.CompletedAt != nil {
		b.CompletedAt = upd.CompletedAt
	}
	m.transitions[id] = append(m.transitions[id], transition{from, to})
	return nil
}

func (m *memStore) SetBackupRemoteKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[id].RemoteKey = &key
	return nil
}

func (m *memStore) ListBackups(_ context.Context, _ *uuid.UUID) ([]model.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Backup, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if b, ok := m.backups[m.order[i]]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memStore) DeleteBackup(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.backups, id)
	return nil
}

func (m *memStore) byKind(kind model.BackupKind) []model.Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Backup
	for _, id := range m.order {
		if b, ok := m.backups[id]; ok && b.Kind == kind {
			out = append(out, *b)
		}
	}
	return out
}

type tenantMap map[uuid.UUID]*model.Tenant

func (t tenantMap) GetTenantByID(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	return t[id], nil
}

type spyAuditor struct {
	mu     sync.Mutex
	events []audit.SystemEvent
}

func (a *spyAuditor) RecordSystem(_ context.Context, ev audit.SystemEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *spyAuditor) all() []audit.SystemEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.SystemEvent(nil), a.events...)
}

type fixedTool string

func (f fixedTool) Locate() (string, error) { return string(f), nil }

// fakeRunner writes a dump file for pg_dump and records every invocation.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	args     [][]string
	env      [][]string
	dumpErr  error
	partial  bool
	restErr  error
	contents string
}

func (r *fakeRunner) Run(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
	r.env = append(r.env, env)
	switch name {
	case "pg_dump":
		if r.partial || r.dumpErr == nil {
			out := args[indexOf(args, "-f")+1]
			if err := os.WriteFile(out, []byte(r.contents), 0o600); err != nil {
				return nil, err
			}
		}
		return nil, r.dumpErr
	case "pg_restore":
		return nil, r.restErr
	}
	return nil, errors.New("unexpected tool " + name)
}

func (r *fakeRunner) invoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

var demoTenant = &model.Tenant{
	ID:           uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
	Slug:         "demo",
	DatabaseName: "tenant_demo",
	Status:       model.TenantActive,
}

type fixture struct {
	svc     *Service
	store   *memStore
	auditor *spyAuditor
	runner  *fakeRunner
	clock   *clock.Mock
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 10, 0, 0, 123e6, time.UTC))
	f := &fixture{
		store:   newMemStore(),
		auditor: &spyAuditor{},
		runner:  &fakeRunner{contents: "PGDMP custom format payload"},
		clock:   clk,
		dir:     t.TempDir(),
	}
	f.svc = NewService(f.store, tenantMap{demoTenant.ID: demoTenant}, f.auditor, Config{
		Dir:       f.dir,
		Template:  "postgres://app:secret@db:5432/core?sslmode=disable",
		PgDump:    fixedTool("pg_dump"),
		PgRestore: fixedTool("pg_restore"),
		Runner:    f.runner,
		Clock:     clk,
		Logger:    logger,
	})
	return f
}

func TestDumpAndRestore_PasswordStaysOffTheCommandLine(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)
	_, err = f.svc.Restore(context.Background(), RestoreRequest{BackupID: b.ID})
	require.NoError(t, err)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.Len(t, f.runner.args, 3)
	for i, args := range f.runner.args {
		assert.NotContains(t, strings.Join(args, " "), "secret", f.runner.calls[i])
		assert.Contains(t, args, "postgres://app@db:5432/tenant_demo?sslmode=disable", f.runner.calls[i])
		assert.Equal(t, []string{"PGPASSWORD=secret"}, f.runner.env[i], f.runner.calls[i])
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 123e6, time.UTC)
	assert.Equal(t, "demo_2024-05-01T10-00-00-123Z.sql", FileName("demo", at))
}

func TestCreate_CompletesAndRoundTripsFile(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID, Actor: model.Actor{UserID: "u1"}})
	require.NoError(t, err)
	assert.Equal(t, "demo_2024-05-01T10-00-00-123Z.sql", b.FileName)
	assert.Equal(t, model.BackupCompleted, b.Status)
	assert.Equal(t, model.BackupManual, b.Kind)
	assert.True(t, b.Compressed)
	assert.NotNil(t, b.CompletedAt)
	assert.Positive(t, b.FileSize)

	assert.Equal(t, []transition{
		{model.BackupPending, model.BackupInProgress},
		{model.BackupInProgress, model.BackupCompleted},
	}, f.store.transitions[b.ID])

	file, got, err := f.svc.Open(context.Background(), b.ID)
	require.NoError(t, err)
	defer file.Close()
	n, err := io.Copy(io.Discard, file)
	require.NoError(t, err)
	assert.Equal(t, got.FileSize, n)

	events := f.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.ActionBackupCreate, events[0].Action)
	assert.Equal(t, model.AuditSuccess, events[0].Status)
	assert.Equal(t, model.BackupManual, events[0].Details["kind"])
	assert.Equal(t, b.FileSize, events[0].Details["size"])
}

func TestCreate_FailureIsTerminalAndCleansUp(t *testing.T) {
	f := newFixture(t)
	f.runner.partial = true
	f.runner.dumpErr = &ProcessError{Tool: "pg_dump", Output: strings.Repeat("x", 3000), Err: errors.New("exit status 1")}

	_, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.Error(t, err)

	backups, _ := f.svc.List(context.Background(), nil)
	require.Len(t, backups, 1)
	b := backups[0]
	assert.Equal(t, model.BackupFailed, b.Status)
	require.NotNil(t, b.ErrorMessage)
	assert.Len(t, *b.ErrorMessage, maxErrorMessage)
	assert.Equal(t, []transition{
		{model.BackupPending, model.BackupInProgress},
		{model.BackupInProgress, model.BackupFailed},
	}, f.store.transitions[b.ID])

	_, statErr := os.Stat(b.FilePath)
	assert.True(t, os.IsNotExist(statErr), "partial dump must be removed")

	events := f.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditFailure, events[0].Status)

	assert.ErrorIs(t, f.store.TransitionBackup(context.Background(), b.ID, model.BackupFailed, model.BackupCompleted, storage.BackupUpdate{}), model.ErrIllegalTransition)
}

func TestCreate_StartFailureStillEndsFailed(t *testing.T) {
	f := newFixture(t)
	f.store.refuseOnce = model.BackupInProgress

	_, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, f.runner.invoked())

	backups, _ := f.svc.List(context.Background(), nil)
	require.Len(t, backups, 1)
	b := backups[0]
	assert.Equal(t, model.BackupFailed, b.Status)
	require.NotNil(t, b.ErrorMessage)
	assert.Contains(t, *b.ErrorMessage, "failed to start backup")
	assert.Equal(t, []transition{
		{model.BackupPending, model.BackupInProgress},
		{model.BackupInProgress, model.BackupFailed},
	}, f.store.transitions[b.ID])

	events := f.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditFailure, events[0].Status)
}

func TestCreate_UnknownTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), CreateRequest{TenantID: uuid.New()})
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Empty(t, f.runner.invoked())
}

func TestRestore_TakesSafetyBackupFirst(t *testing.T) {
	f := newFixture(t)
	src, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)
	f.clock.Add(time.Minute)

	res, err := f.svc.Restore(context.Background(), RestoreRequest{BackupID: src.ID, Actor: model.Actor{UserID: "u1"}})
	require.NoError(t, err)
	require.NotNil(t, res.SafetyBackup)
	assert.Equal(t, model.BackupAuto, res.SafetyBackup.Kind)
	assert.Equal(t, model.BackupCompleted, res.SafetyBackup.Status)

	assert.Equal(t, []string{"pg_dump", "pg_dump", "pg_restore"}, f.runner.invoked())

	events := f.auditor.all()
	last := events[len(events)-1]
	assert.Equal(t, model.ActionBackupRestore, last.Action)
	assert.Equal(t, model.AuditSuccess, last.Status)
	assert.Equal(t, res.SafetyBackup.ID.String(), last.Details["safety_backup_id"])
}

func TestRestore_FailedSafetyBackupAbortsRestore(t *testing.T) {
	f := newFixture(t)
	src, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	f.runner.dumpErr = errors.New("disk full")

	_, err = f.svc.Restore(context.Background(), RestoreRequest{BackupID: src.ID})
	require.Error(t, err)
	assert.NotContains(t, f.runner.invoked(), "pg_restore")

	auto := f.store.byKind(model.BackupAuto)
	require.Len(t, auto, 1)
	assert.Equal(t, model.BackupFailed, auto[0].Status)
}

func TestRestore_FailureKeepsSafetyBackup(t *testing.T) {
	f := newFixture(t)
	src, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	f.runner.restErr = &ProcessError{Tool: "pg_restore", Output: "relation does not exist", Err: errors.New("exit status 1")}

	res, err := f.svc.Restore(context.Background(), RestoreRequest{BackupID: src.ID})
	require.Error(t, err)
	require.NotNil(t, res)

	safety, err := f.svc.Get(context.Background(), res.SafetyBackup.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BackupCompleted, safety.Status)

	events := f.auditor.all()
	last := events[len(events)-1]
	assert.Equal(t, model.AuditFailure, last.Status)
	assert.Equal(t, "relation does not exist", last.Err.Error())
}

func TestRestore_RejectsIncompleteBackup(t *testing.T) {
	f := newFixture(t)
	f.runner.dumpErr = errors.New("boom")
	_, _ = f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	backups, _ := f.svc.List(context.Background(), nil)
	require.Len(t, backups, 1)

	_, err := f.svc.Restore(context.Background(), RestoreRequest{BackupID: backups[0].ID})
	assert.ErrorIs(t, err, ErrNotRestorable)
}

func TestOpen_ResolvesBareFileNameUnderBackupDir(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)
	f.store.backups[b.ID].FilePath = "/somewhere/else/" + b.FileName

	file, _, err := f.svc.Open(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, b.FileName), file.Name())
	file.Close()

	require.NoError(t, os.Remove(filepath.Join(f.dir, b.FileName)))
	_, _, err = f.svc.Open(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Contains(t, err.Error(), "/somewhere/else/")
}

func TestDelete_RemovesFileAndRecord(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Create(context.Background(), CreateRequest{TenantID: demoTenant.ID})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), b.ID, model.Actor{UserID: "u1"}))
	_, statErr := os.Stat(b.FilePath)
	assert.True(t, os.IsNotExist(statErr))
	_, err = f.svc.Get(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrBackupNotFound)

	events := f.auditor.all()
	assert.Equal(t, model.ActionBackupDelete, events[len(events)-1].Action)
}

func TestTool_ConfiguredPathMustExist(t *testing.T) {
	tool := NewTool("pg_dump", filepath.Join(t.TempDir(), "missing"))
	_, err := tool.Locate()
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestTool_SearchesDirectoriesOnce(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "pg_dump")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	tool := &Tool{Name: "pg_dump", SearchDirs: []string{filepath.Join(t.TempDir(), "nothing"), dir}}
	got, err := tool.Locate()
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	require.NoError(t, os.Remove(bin))
	again, err := tool.Locate()
	require.NoError(t, err)
	assert.Equal(t, bin, again)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
}
