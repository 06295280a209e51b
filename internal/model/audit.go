package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditAction string

const (
	ActionCreate AuditAction = "create"
	ActionUpdate AuditAction = "update"
	ActionDelete AuditAction = "delete"
	ActionCustom AuditAction = "custom"

	ActionBackupCreate  AuditAction = "backup.create"
	ActionBackupDelete  AuditAction = "backup.delete"
	ActionBackupRestore AuditAction = "backup.restore"
	ActionAuditPurge    AuditAction = "audit.purge"
	ActionDBVacuum      AuditAction = "db.vacuum"
	ActionDBReindex     AuditAction = "db.reindex"
)

type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditError   AuditStatus = "error"
)

// AuditCategory separates per-record mutation entries from module-level
// system events such as backups and maintenance runs.
type AuditCategory string

const (
	CategoryRecord AuditCategory = "record"
	CategorySystem AuditCategory = "system"
)

// AuditEntry is an immutable record of a state-changing action.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        *string        `json:"userId,omitempty" gorm:"type:varchar(255);index"`
	TenantID      string         `json:"tenantId" gorm:"type:varchar(255);index"`
	TenantSlug    string         `json:"tenantSlug" gorm:"type:varchar(255);index"`
	Category      AuditCategory  `json:"category" gorm:"type:varchar(20);not null;default:'record'"`
	Action        AuditAction    `json:"action" gorm:"type:varchar(50);not null;index"`
	Module        string         `json:"module" gorm:"type:varchar(100);index"`
	Resource      string         `json:"resource" gorm:"type:varchar(100);index"`
	ResourceID    string         `json:"resourceId" gorm:"type:varchar(255);index"`
	CompanyID     *string        `json:"companyId,omitempty" gorm:"type:varchar(255)"`
	ChangedFields datatypes.JSON `json:"changedFields,omitempty" gorm:"type:jsonb"`
	OldValues     datatypes.JSON `json:"oldValues,omitempty" gorm:"type:jsonb"`
	NewValues     datatypes.JSON `json:"newValues,omitempty" gorm:"type:jsonb"`
	Details       datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`
	IPAddress     string         `json:"ipAddress,omitempty" gorm:"type:varchar(45)"`
	UserAgent     string         `json:"userAgent,omitempty" gorm:"type:text"`
	Status        AuditStatus    `json:"status" gorm:"type:varchar(20);not null;index"`
	ErrorMessage  string         `json:"errorMessage,omitempty" gorm:"type:text"`
	CreatedAt     time.Time      `json:"createdAt" gorm:"index;not null"`
}

func (AuditEntry) TableName() string {
	return "audit_logs"
}

// BeforeCreate fills the id and timestamp when the caller left them empty.
func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Actor identifies who triggered an audited action.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

// AuditFilter narrows audit log queries and exports.
type AuditFilter struct {
	TenantSlug string
	UserID     string
	Action     AuditAction
	Module     string
	Resource   string
	ResourceID string
	Status     AuditStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
