package tenancy

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tenant-admin/internal/model"
	"tenant-admin/internal/respond"
)

const (
	HeaderSlug   = "X-Tenant-Slug"
	HeaderSource = "X-Tenant-Source"
	CookieSlug   = "tenant-slug"
)

// DBProvider hands out the pooled handle of a tenant database. The handle
// stays valid until release is called.
type DBProvider interface {
	Acquire(ctx context.Context, t *model.ResolvedTenant) (db *gorm.DB, release func(), err error)
}

// Scope is what a tenant-aware handler works against.
type Scope struct {
	Tenant *model.ResolvedTenant
	DB     *gorm.DB
}

type scopeKey struct{}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the request scope, nil when no tenant was resolved.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// HintFromRequest reads the routing hints set by the edge. The cookie is only
// consulted when the slug header is missing.
func HintFromRequest(r *http.Request) Hint {
	h := Hint{
		Slug:   r.Header.Get(HeaderSlug),
		Source: r.Header.Get(HeaderSource),
		Host:   r.Host,
	}
	if h.Slug == "" {
		if c, err := r.Cookie(CookieSlug); err == nil && c.Value != "" {
			h.Slug = c.Value
			if h.Source == "" {
				h.Source = SourceCookie
			}
		}
	}
	return h
}

type MiddlewareConfig struct {
	Resolver *Resolver
	Pools    DBProvider
	// ExposeDetails adds diagnostic details to 400 responses; off in production.
	ExposeDetails bool
	Logger        *logrus.Logger
}

// Middleware resolves the tenant of each request and stores a Scope in its
// context. With required set, requests without an active tenant are answered
// with 400; otherwise they continue with a nil scope.
func Middleware(cfg MiddlewareConfig, required bool) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hint := HintFromRequest(r)
			tenant, err := cfg.Resolver.Resolve(r.Context(), hint)
			if err != nil {
				logger.WithError(err).WithField("tenant_slug", hint.Slug).Error("tenant resolution failed")
				respond.Error(w, http.StatusInternalServerError, "tenant_resolution_failed",
					"Tenant could not be resolved", err.Error(), cfg.ExposeDetails)
				return
			}

			if tenant == nil {
				if !required {
					next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), nil)))
					return
				}
				respond.Error(w, http.StatusBadRequest, "tenant_context_missing",
					"An active tenant is required for this request", map[string]any{
						"source":         hint.Source,
						"slug":           hint.Slug,
						"host":           hint.Host,
						"expectedHeader": HeaderSlug,
						"expectedCookie": CookieSlug,
					}, cfg.ExposeDetails)
				return
			}

			db, release, err := cfg.Pools.Acquire(r.Context(), tenant)
			if err != nil {
				logger.WithError(err).WithField("tenant_slug", tenant.Slug).Error("tenant database unavailable")
				respond.Error(w, http.StatusServiceUnavailable, "tenant_database_unavailable",
					"Tenant database is unavailable", err.Error(), cfg.ExposeDetails)
				return
			}

			defer release()

			scope := &Scope{Tenant: tenant, DB: db}
			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope)))
		})
	}
}
