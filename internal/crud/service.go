// Package crud wraps tenant-scoped create, update and delete operations with
// ownership checks and diff-based audit entries.
package crud

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/diff"
	"tenant-admin/internal/model"
	"tenant-admin/internal/tenancy"
)

type (
	Loader  func(ctx context.Context, db *gorm.DB, id string) (Record, error)
	Creator func(ctx context.Context, db *gorm.DB, data Record) (Record, error)
	Updater func(ctx context.Context, db *gorm.DB, id string, data, before Record) (Record, error)
	Deleter func(ctx context.Context, db *gorm.DB, id string) error

	// DeleteCheck reports whether before may be deleted and, if not, why.
	DeleteCheck func(ctx context.Context, db *gorm.DB, before Record) (ok bool, reason string, err error)

	// CompanyFinder returns the tenant's default company id, "" when none.
	CompanyFinder func(ctx context.Context, db *gorm.DB, tenantID uuid.UUID) (string, error)
)

const defaultTenantColumn = "tenant_id"

// Resource describes one audited entity. Nil functions fall back to a
// TableStore over Table.
type Resource struct {
	Name          string
	Module        string
	Table         string
	Fields        diff.FieldSet
	CompanyScoped bool
	TenantColumn  string

	Load      Loader
	Create    Creator
	Update    Updater
	Delete    Deleter
	CanDelete DeleteCheck
}

func (r Resource) tenantColumn() string {
	if r.TenantColumn == "" {
		return defaultTenantColumn
	}
	return r.TenantColumn
}

func (r Resource) loader() Loader {
	if r.Load != nil {
		return r.Load
	}
	return TableStore{Table: r.Table}.Load
}

func (r Resource) creator() Creator {
	if r.Create != nil {
		return r.Create
	}
	return TableStore{Table: r.Table}.Create
}

func (r Resource) updater() Updater {
	if r.Update != nil {
		return r.Update
	}
	return TableStore{Table: r.Table}.Update
}

func (r Resource) deleter() Deleter {
	if r.Delete != nil {
		return r.Delete
	}
	return TableStore{Table: r.Table}.Delete
}

// Recorder accepts audit entries without blocking. *audit.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, e *model.AuditEntry)
}

type Config struct {
	Recorder    Recorder
	FindCompany CompanyFinder
	Logger      logrus.FieldLogger
}

type Service struct {
	recorder    Recorder
	findCompany CompanyFinder
	logger      logrus.FieldLogger
}

func NewService(cfg Config) *Service {
	if cfg.FindCompany == nil {
		cfg.FindCompany = FirstCompany
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Service{recorder: cfg.Recorder, findCompany: cfg.FindCompany, logger: cfg.Logger}
}

func requireScope(ctx context.Context) (*tenancy.Scope, error) {
	sc := tenancy.FromContext(ctx)
	if sc == nil || sc.Tenant == nil {
		return nil, ErrTenantRequired
	}
	return sc, nil
}

// Create stores data under the request tenant. Company-scoped resources get
// the payload's company or, failing that, the tenant's first company.
func (s *Service) Create(ctx context.Context, res Resource, data Record) (Record, error) {
	sc, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}

	row := copyRecord(data)
	row[res.tenantColumn()] = sc.Tenant.ID.String()

	var companyID string
	if res.CompanyScoped {
		companyID, err = s.resolveCompany(ctx, sc, row)
		if err != nil {
			return nil, err
		}
		delete(row, "companyId")
		row["company_id"] = companyID
	}

	created, err := res.creator()(ctx, sc.DB, row)
	if err != nil {
		return nil, s.wrap(err, "create", res)
	}

	id := recordID(created)
	if id == "" {
		s.logger.WithFields(logrus.Fields{
			"tenant_slug": sc.Tenant.Slug,
			"resource":    res.Name,
		}).Warn("created record has no id, skipping audit")
		return created, nil
	}

	e := s.entry(ctx, sc, res, model.ActionCreate, id, companyID)
	e.NewValues = toJSON(diff.StripRelations(created, res.Fields))
	s.record(ctx, e)
	return created, nil
}

func (s *Service) resolveCompany(ctx context.Context, sc *tenancy.Scope, row Record) (string, error) {
	for _, k := range []string{"company_id", "companyId"} {
		if v := stringValue(row[k]); v != "" {
			return v, nil
		}
	}
	id, err := s.findCompany(ctx, sc.DB, sc.Tenant.ID)
	if err != nil {
		return "", Internal("Failed to resolve company", err)
	}
	if id == "" {
		return "", CompanyNotFound(sc.Tenant.Slug)
	}
	return id, nil
}

// Update applies data to the record id. Nothing is audited when no field
// actually changes.
func (s *Service) Update(ctx context.Context, res Resource, id string, data Record) (Record, error) {
	sc, err := requireScope(ctx)
	if err != nil {
		return nil, err
	}
	before, err := s.loadOwned(ctx, sc, res, id)
	if err != nil {
		return nil, err
	}

	payload := copyRecord(data)
	delete(payload, "id")
	changes := diff.Compute(before, payload, res.Fields)

	updated, err := res.updater()(ctx, sc.DB, id, payload, before)
	if err != nil {
		return nil, s.wrap(err, "update", res)
	}

	if changes.Empty() {
		return updated, nil
	}
	e := s.entry(ctx, sc, res, model.ActionUpdate, id, stringValue(before["company_id"]))
	e.ChangedFields = toJSON(changes.Changed)
	e.OldValues = toJSON(changes.Old)
	e.NewValues = toJSON(changes.New)
	s.record(ctx, e)
	return updated, nil
}

// Delete removes the record id after the ownership and deletability checks.
func (s *Service) Delete(ctx context.Context, res Resource, id string) error {
	sc, err := requireScope(ctx)
	if err != nil {
		return err
	}
	before, err := s.loadOwned(ctx, sc, res, id)
	if err != nil {
		return err
	}

	if res.CanDelete != nil {
		ok, reason, err := res.CanDelete(ctx, sc.DB, before)
		if err != nil {
			return s.wrap(err, "delete", res)
		}
		if !ok {
			return BadRequest("not_deletable", reason, nil)
		}
	}

	if err := res.deleter()(ctx, sc.DB, id); err != nil {
		return s.wrap(err, "delete", res)
	}

	e := s.entry(ctx, sc, res, model.ActionDelete, id, stringValue(before["company_id"]))
	e.OldValues = toJSON(diff.StripRelations(before, res.Fields))
	s.record(ctx, e)
	return nil
}

func (s *Service) loadOwned(ctx context.Context, sc *tenancy.Scope, res Resource, id string) (Record, error) {
	before, err := res.loader()(ctx, sc.DB, id)
	if err != nil {
		return nil, s.wrap(err, "load", res)
	}
	if before == nil {
		return nil, NotFound(res.Name, id)
	}
	if owner := stringValue(before[res.tenantColumn()]); owner != sc.Tenant.ID.String() {
		s.logger.WithFields(logrus.Fields{
			"tenant_slug": sc.Tenant.Slug,
			"resource":    res.Name,
			"resource_id": id,
			"owner":       owner,
		}).Warn("cross-tenant mutation rejected")
		return nil, Forbidden(fmt.Sprintf("%s %s does not belong to the current tenant", res.Name, id))
	}
	return before, nil
}

func (s *Service) wrap(err error, op string, res Resource) error {
	if _, ok := AsError(err); ok {
		return err
	}
	return Internal(fmt.Sprintf("Failed to %s %s", op, res.Name), err)
}

func (s *Service) entry(ctx context.Context, sc *tenancy.Scope, res Resource, action model.AuditAction, id, companyID string) *model.AuditEntry {
	actor := audit.ActorFromContext(ctx)
	e := &model.AuditEntry{
		TenantID:   sc.Tenant.ID.String(),
		TenantSlug: sc.Tenant.Slug,
		Category:   model.CategoryRecord,
		Action:     action,
		Module:     res.Module,
		Resource:   res.Name,
		ResourceID: id,
		Status:     model.AuditSuccess,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}
	if actor.UserID != "" {
		uid := actor.UserID
		e.UserID = &uid
	}
	if companyID != "" {
		e.CompanyID = &companyID
	}
	return e
}

func (s *Service) record(ctx context.Context, e *model.AuditEntry) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, e)
}

func recordID(r Record) string {
	if r == nil {
		return ""
	}
	return stringValue(r["id"])
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
