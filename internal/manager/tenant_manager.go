// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
	"tenant-admin/internal/storage"
	"tenant-admin/internal/tenancy"
)

var (
	ErrConnectionFailed = errors.New("failed to establish tenant database connection")
	ErrCircuitOpen      = errors.New("circuit breaker is open, tenant database unavailable")
	ErrShutdown         = errors.New("pool manager is shut down")
)

// Opener connects to a tenant database.
type Opener func(ctx context.Context, dsn string) (*gorm.DB, error)

type tenantPool struct {
	db        *gorm.DB
	slug      string
	createdAt time.Time
	lastUsed  time.Time
	// refs counts handles acquired and not yet released.
	refs    int
	retired bool
}

type Config struct {
	MaxPools        int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	ConnTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	MaxLifetime     time.Duration
	Logger          *logrus.Logger
	Clock           clock.Clock
	// Open replaces the lib/pq opener, mainly for tests.
	Open Opener
}

// TenantManager owns one pooled handle per tenant connection string. Pools
// are opened lazily, closed after IdleTimeout without use, and the least
// recently used pool is evicted when MaxPools is reached. A pool that is
// evicted while handles are still acquired stays open until the last one is
// released.
type TenantManager struct {
	cfg    Config
	logger *logrus.Logger
	clock  clock.Clock
	open   Opener

	mu       sync.RWMutex
	pools    map[string]*tenantPool
	draining map[*tenantPool]struct{}
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool

	group singleflight.Group
	stop  chan struct{}
	done  chan struct{}

	opened  int64
	failed  int64
	evicted int64
}

func NewTenantManager(cfg Config) *TenantManager {
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	tm := &TenantManager{
		cfg:      cfg,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		pools:    make(map[string]*tenantPool),
		draining: make(map[*tenantPool]struct{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	tm.open = cfg.Open
	if tm.open == nil {
		tm.open = tm.openPostgres
	}

	go tm.cleanupLoop()
	return tm
}

// Acquire returns the pooled handle for the tenant, opening it on first use.
// The handle stays open until release is called, even if the pool is evicted
// or goes idle in the meantime. release is safe to call more than once.
func (tm *TenantManager) Acquire(ctx context.Context, t *model.ResolvedTenant) (*gorm.DB, func(), error) {
	if t == nil {
		return nil, nil, errors.New("no tenant")
	}
	dsn := t.ConnectionString

	for {
		tm.mu.Lock()
		if tm.closed {
			tm.mu.Unlock()
			return nil, nil, ErrShutdown
		}
		if p, ok := tm.pools[dsn]; ok {
			p.refs++
			p.lastUsed = tm.clock.Now()
			tm.mu.Unlock()
			return p.db, tm.releaser(p), nil
		}
		tm.mu.Unlock()

		// The new pool is picked up by the next iteration.
		_, err, _ := tm.group.Do(dsn, func() (any, error) {
			return tm.create(ctx, dsn, t.Slug)
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

func (tm *TenantManager) releaser(p *tenantPool) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			tm.mu.Lock()
			defer tm.mu.Unlock()
			p.refs--
			p.lastUsed = tm.clock.Now()
			if p.refs > 0 || !p.retired {
				return
			}
			if _, ok := tm.draining[p]; ok {
				delete(tm.draining, p)
				closeDB(p.db)
				tm.logger.WithField("tenant_slug", p.slug).Debug("Closed drained tenant database pool")
			}
		})
	}
}

func (tm *TenantManager) create(ctx context.Context, dsn, slug string) (*gorm.DB, error) {
	// Double-check: another caller may have finished while we waited.
	tm.mu.RLock()
	if p, ok := tm.pools[dsn]; ok {
		tm.mu.RUnlock()
		return p.db, nil
	}
	tm.mu.RUnlock()

	cb := tm.breaker(dsn)
	result, err := cb.Execute(func() (interface{}, error) {
		return tm.open(ctx, dsn)
	})
	if err != nil {
		tm.mu.Lock()
		tm.failed++
		tm.mu.Unlock()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, slug)
		}
		tm.logger.WithFields(logrus.Fields{
			"tenant_slug": slug,
			"dsn":         tenancy.MaskConnectionString(dsn),
		}).WithError(err).Error("Failed to connect to tenant database")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	db := result.(*gorm.DB)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.closed {
		closeDB(db)
		return nil, ErrShutdown
	}
	if len(tm.pools) >= tm.cfg.MaxPools {
		tm.evictLRU()
	}
	now := tm.clock.Now()
	tm.pools[dsn] = &tenantPool{db: db, slug: slug, createdAt: now, lastUsed: now}
	tm.opened++
	metrics.PoolsOpen.Set(float64(len(tm.pools)))

	tm.logger.WithFields(logrus.Fields{
		"tenant_slug": slug,
		"dsn":         tenancy.MaskConnectionString(dsn),
	}).Info("Opened tenant database pool")
	return db, nil
}

func (tm *TenantManager) breaker(dsn string) *gobreaker.CircuitBreaker {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if cb, ok := tm.breakers[dsn]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "db-" + tenancy.MaskConnectionString(dsn),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			tm.logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	tm.breakers[dsn] = cb
	return cb
}

func (tm *TenantManager) openPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, tm.cfg.ConnTimeout)
	defer cancel()

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if tm.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(tm.cfg.MaxOpenConns)
	}
	if tm.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(tm.cfg.MaxIdleConns)
	}
	if tm.cfg.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(tm.cfg.MaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db, err := storage.OpenGorm(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// evictLRU removes the least recently used pool, preferring pools nobody
// holds. Callers hold tm.mu.
func (tm *TenantManager) evictLRU() {
	var (
		oldest     string
		at         time.Time
		oldestIdle bool
	)
	for dsn, p := range tm.pools {
		idle := p.refs == 0
		switch {
		case oldest == "", idle && !oldestIdle:
		case idle == oldestIdle && p.lastUsed.Before(at):
		default:
			continue
		}
		oldest, at, oldestIdle = dsn, p.lastUsed, idle
	}
	if oldest == "" {
		return
	}
	tm.removeLocked(oldest, "lru")
}

// removeLocked drops the pool from the map. Pools with acquired handles are
// parked in draining and closed by their last release.
func (tm *TenantManager) removeLocked(dsn, reason string) {
	p, ok := tm.pools[dsn]
	if !ok {
		return
	}
	delete(tm.pools, dsn)
	p.retired = true
	tm.evicted++
	metrics.PoolsOpen.Set(float64(len(tm.pools)))

	log := tm.logger.WithFields(logrus.Fields{
		"tenant_slug": p.slug,
		"reason":      reason,
	})
	if p.refs > 0 {
		tm.draining[p] = struct{}{}
		log.WithField("in_use", p.refs).Debug("Tenant database pool retired, closing after release")
		return
	}
	closeDB(p.db)
	log.Debug("Closed tenant database pool")
}

func (tm *TenantManager) cleanupLoop() {
	defer close(tm.done)
	ticker := tm.clock.Ticker(tm.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.stop:
			return
		case <-ticker.C:
			tm.CloseIdle()
		}
	}
}

// CloseIdle closes pools unused for longer than the idle timeout and returns
// how many were closed.
func (tm *TenantManager) CloseIdle() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.clock.Now()
	n := 0
	for dsn, p := range tm.pools {
		if p.refs == 0 && now.Sub(p.lastUsed) > tm.cfg.IdleTimeout {
			tm.removeLocked(dsn, "idle")
			n++
		}
	}
	return n
}

// ShutdownAll closes every pool, held or not, and stops the janitor. Later
// Acquire calls fail.
func (tm *TenantManager) ShutdownAll() {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return
	}
	tm.closed = true
	for dsn, p := range tm.pools {
		closeDB(p.db)
		tm.logger.WithField("tenant_slug", p.slug).Debug("Stopped tenant pool")
		delete(tm.pools, dsn)
	}
	for p := range tm.draining {
		closeDB(p.db)
		delete(tm.draining, p)
	}
	metrics.PoolsOpen.Set(0)
	tm.mu.Unlock()

	close(tm.stop)
	<-tm.done
}

type PoolStats struct {
	TenantSlug   string    `json:"tenantSlug"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsed     time.Time `json:"lastUsed"`
	InUse        int       `json:"inUse"`
	BreakerState string    `json:"breakerState"`
}

type Stats struct {
	Open     int         `json:"open"`
	MaxPools int         `json:"maxPools"`
	Opened   int64       `json:"opened"`
	Failed   int64       `json:"failed"`
	Evicted  int64       `json:"evicted"`
	Draining int         `json:"draining"`
	Pools    []PoolStats `json:"pools"`
}

func (tm *TenantManager) Stats() Stats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := Stats{
		Open:     len(tm.pools),
		MaxPools: tm.cfg.MaxPools,
		Opened:   tm.opened,
		Failed:   tm.failed,
		Evicted:  tm.evicted,
		Draining: len(tm.draining),
		Pools:    make([]PoolStats, 0, len(tm.pools)),
	}
	for dsn, p := range tm.pools {
		ps := PoolStats{TenantSlug: p.slug, CreatedAt: p.createdAt, LastUsed: p.lastUsed, InUse: p.refs}
		if cb, ok := tm.breakers[dsn]; ok {
			ps.BreakerState = cb.State().String()
		}
		s.Pools = append(s.Pools, ps)
	}
	sort.Slice(s.Pools, func(i, j int) bool { return s.Pools[i].TenantSlug < s.Pools[j].TenantSlug })
	return s
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
