package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrIllegalTransition = errors.New("illegal backup status transition")

type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// CanTransitionTo enforces pending -> in_progress -> completed|failed.
// Completed and failed are terminal.
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	switch s {
	case BackupPending:
		return next == BackupInProgress
	case BackupInProgress:
		return next == BackupCompleted || next == BackupFailed
	}
	return false
}

func (s BackupStatus) Terminal() bool {
	return s == BackupCompleted || s == BackupFailed
}

// CheckTransition returns ErrIllegalTransition wrapped with both states when
// the move is not allowed.
func CheckTransition(from, to BackupStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

type BackupKind string

const (
	BackupManual    BackupKind = "manual"
	BackupScheduled BackupKind = "scheduled"
	BackupAuto      BackupKind = "auto"
)

func (k BackupKind) Valid() bool {
	switch k {
	case BackupManual, BackupScheduled, BackupAuto:
		return true
	}
	return false
}

// Backup describes one tenant database snapshot.
type Backup struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	TenantID     uuid.UUID    `db:"tenant_id" json:"tenantId"`
	TenantSlug   string       `db:"tenant_slug" json:"tenantSlug"`
	TenantName   *string      `db:"tenant_name" json:"tenantName,omitempty"`
	FileName     string       `db:"file_name" json:"fileName"`
	FilePath     string       `db:"file_path" json:"filePath"`
	FileSize     int64        `db:"file_size" json:"fileSize"`
	Status       BackupStatus `db:"status" json:"status"`
	Kind         BackupKind   `db:"kind" json:"kind"`
	CreatedBy    *string      `db:"created_by" json:"createdBy,omitempty"`
	Compressed   bool         `db:"compressed" json:"compressed"`
	ErrorMessage *string      `db:"error_message" json:"errorMessage,omitempty"`
	RemoteKey    *string      `db:"remote_key" json:"remoteKey,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completedAt,omitempty"`
}
