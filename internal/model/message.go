package model

import (
	"github.com/google/uuid"
)

// BackupJob is the queued request for an asynchronous backup.
type BackupJob struct {
	ID       uuid.UUID  `json:"id"`
	TenantID uuid.UUID  `json:"tenantId"`
	ActorID  string     `json:"actorId,omitempty"`
	Kind     BackupKind `json:"kind"`
}
