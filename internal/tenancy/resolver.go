// Package tenancy maps request routing hints to an active tenant and its
// database.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tenant-admin/internal/metrics"
	"tenant-admin/internal/model"
)

const DefaultCacheTTL = 5 * time.Minute

var ErrUnknownTenant = errors.New("unknown tenant")

// Resolution sources sent in the X-Tenant-Source header.
const (
	SourcePath         = "path"
	SourceSubdomain    = "subdomain"
	SourceCustomDomain = "custom-domain"
	SourceCookie       = "cookie"
)

// Directory is the subset of the tenant registry the resolver reads.
type Directory interface {
	GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*model.Tenant, error)
	GetTenantByCustomDomain(ctx context.Context, host string) (*model.Tenant, error)
}

// Hint carries what a request says about its tenant.
type Hint struct {
	Slug   string
	Source string
	Host   string
}

func (h Hint) normalized() Hint {
	h.Slug = strings.TrimSpace(h.Slug)
	h.Source = strings.ToLower(strings.TrimSpace(h.Source))
	if h.Source == SourceCookie {
		h.Source = SourcePath
	}
	h.Host = hostname(h.Host)
	return h
}

func (h Hint) key() string {
	return h.Slug + "|" + h.Source + "|" + h.Host
}

func hostname(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

type ResolverConfig struct {
	Directory Directory
	Cache     Cache
	CacheTTL  time.Duration
	// Template is the core connection string the tenant database name is
	// substituted into.
	Template string
	Logger   *logrus.Logger
}

type Resolver struct {
	dir      Directory
	cache    Cache
	ttl      time.Duration
	template string
	logger   *logrus.Logger
	group    singleflight.Group
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Resolver{
		dir:      cfg.Directory,
		cache:    cfg.Cache,
		ttl:      cfg.CacheTTL,
		template: cfg.Template,
		logger:   cfg.Logger,
	}
}

// Resolve returns the active tenant the hint points at, or nil when there is
// none. Errors come only from the directory.
func (r *Resolver) Resolve(ctx context.Context, hint Hint) (*model.ResolvedTenant, error) {
	h := hint.normalized()
	if h.Slug == "" && h.Host == "" {
		return nil, nil
	}
	key := h.key()

	if t, ok, err := r.cache.Get(ctx, key); err != nil {
		r.logger.WithError(err).WithField("cache_key", key).Warn("tenant cache read failed")
	} else if ok {
		metrics.ResolverCache.WithLabelValues("hit").Inc()
		return t, nil
	}
	metrics.ResolverCache.WithLabelValues("miss").Inc()

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.lookup(ctx, h)
	})
	if err != nil {
		metrics.Resolutions.WithLabelValues("error").Inc()
		return nil, err
	}
	t, _ := v.(*model.ResolvedTenant)
	if t == nil {
		return nil, nil
	}

	if err := r.cache.Set(ctx, key, t, r.ttl); err != nil {
		r.logger.WithError(err).WithField("cache_key", key).Warn("tenant cache write failed")
	}
	return t, nil
}

func (r *Resolver) lookup(ctx context.Context, h Hint) (*model.ResolvedTenant, error) {
	tenant, err := r.find(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("tenant directory lookup: %w", err)
	}
	if tenant == nil {
		metrics.Resolutions.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if !tenant.IsActive() {
		metrics.Resolutions.WithLabelValues("inactive").Inc()
		r.logger.WithFields(logrus.Fields{
			"tenant_slug": tenant.Slug,
			"status":      tenant.Status,
		}).Debug("tenant matched but is not active")
		return nil, nil
	}

	dsn, err := DeriveConnectionString(r.template, tenant.DatabaseName)
	if err != nil {
		return nil, err
	}
	metrics.Resolutions.WithLabelValues("resolved").Inc()

	out := &model.ResolvedTenant{
		ID:               tenant.ID,
		Slug:             tenant.Slug,
		Name:             tenant.Name,
		DatabaseName:     tenant.DatabaseName,
		ConnectionString: dsn,
	}
	if tenant.Subdomain != nil {
		out.Subdomain = *tenant.Subdomain
	}
	if tenant.CustomDomain != nil {
		out.CustomDomain = *tenant.CustomDomain
	}
	return out, nil
}

func (r *Resolver) find(ctx context.Context, h Hint) (*model.Tenant, error) {
	switch h.Source {
	case SourceSubdomain:
		sub := h.Slug
		if sub == "" {
			sub = firstLabel(h.Host)
		}
		if sub == "" {
			return nil, nil
		}
		return r.dir.GetTenantBySubdomain(ctx, sub)

	case SourceCustomDomain:
		if h.Host == "" {
			return nil, nil
		}
		return r.dir.GetTenantByCustomDomain(ctx, h.Host)
	}

	// Unspecified or path: slug, then subdomain, then the host as a custom domain.
	if h.Slug != "" {
		t, err := r.dir.GetTenantBySlug(ctx, h.Slug)
		if err != nil || t != nil {
			return t, err
		}
		t, err = r.dir.GetTenantBySubdomain(ctx, h.Slug)
		if err != nil || t != nil {
			return t, err
		}
	}
	if h.Host != "" {
		return r.dir.GetTenantByCustomDomain(ctx, h.Host)
	}
	return nil, nil
}

func firstLabel(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return ""
}

// Invalidate drops the cached resolution for hint.
func (r *Resolver) Invalidate(ctx context.Context, hint Hint) error {
	return r.cache.Invalidate(ctx, hint.normalized().key())
}

// InvalidateAll drops every cached resolution, e.g. after a tenant changes
// status.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.Flush(ctx)
}

// StatusWriter changes the lifecycle status of a tenant.
type StatusWriter interface {
	UpdateTenantStatus(ctx context.Context, id uuid.UUID, status model.TenantStatus) error
}

// SetStatus moves the tenant with slug to status and flushes the cache, so
// a suspended tenant stops resolving on the next request instead of after
// the TTL.
func (r *Resolver) SetStatus(ctx context.Context, w StatusWriter, slug string, status model.TenantStatus) (*model.Tenant, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid tenant status %q", status)
	}
	t, err := r.dir.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, slug)
	}
	if err := w.UpdateTenantStatus(ctx, t.ID, status); err != nil {
		return nil, err
	}
	t.Status = status
	if err := r.InvalidateAll(ctx); err != nil {
		r.logger.WithError(err).Warn("tenant cache flush failed")
	}
	r.logger.WithFields(logrus.Fields{
		"tenant_slug": slug,
		"status":      status,
	}).Info("Tenant status changed")
	return t, nil
}
