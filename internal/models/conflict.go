package models

import (
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	ConflictConcurrentEdit  ConflictType = "concurrent_edit"
	ConflictVersionMismatch ConflictType = "version_mismatch"
	ConflictDeleteModified  ConflictType = "delete_modified"
	ConflictCreateDuplicate ConflictType = "create_duplicate"
)

type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolving ConflictStatus = "resolving"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictFailed    ConflictStatus = "failed"
)

type ResolutionType string

const (
	ResolutionKeepLocal  ResolutionType = "keep_local"
	ResolutionKeepRemote ResolutionType = "keep_remote"
	ResolutionMerge      ResolutionType = "merge"
)

// WriterMeta identifies one side of a divergence: which device wrote the
// value and when, by that device's own clock.
type WriterMeta struct {
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Resolution records how a conflict was settled, for audit.
type Resolution struct {
	Type       ResolutionType `json:"type"`
	MergedData []byte         `json:"merged_data,omitempty"`
	Reason     string         `json:"reason"`
	Automatic  bool           `json:"automatic"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// ConflictRecord is a detected divergence between two writers of the same
// field of the same clinical entity.
type ConflictRecord struct {
	ID            uuid.UUID      `json:"id"`
	ActionID      *uuid.UUID     `json:"action_id,omitempty"`
	EntityType    EntityType     `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	FieldName     string         `json:"field_name"`
	Type          ConflictType   `json:"type"`
	Priority      Priority       `json:"priority"`
	BaseVersion   int64          `json:"base_version"`
	LocalVersion  int64          `json:"local_version"`
	RemoteVersion int64          `json:"remote_version"`
	LocalValue    []byte         `json:"local_value,omitempty"`
	RemoteValue   []byte         `json:"remote_value,omitempty"`
	Local         WriterMeta     `json:"local"`
	Remote        WriterMeta     `json:"remote"`
	RemoteAllows  bool           `json:"remote_allows"` // the remote authority's auto-resolve verdict
	Status        ConflictStatus `json:"status"`
	Resolution    *Resolution    `json:"resolution,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// clinicalPatientFields are patient fields whose divergence is never safe to
// resolve without a clinician's eyes.
var clinicalPatientFields = map[string]bool{
	"allergies":           true,
	"blood_type":          true,
	"medical_history":     true,
	"current_medications": true,
	"diagnoses":           true,
	"treatment_notes":     true,
	"emergency_contacts":  true,
}

// CanAutoResolve applies the conjunction of safety rules: critical conflicts,
// medication entities and clinical patient fields are always manual; anything
// else defers to the remote authority's verdict.
func (c *ConflictRecord) CanAutoResolve() bool {
	if c.Priority == PriorityCritical {
		return false
	}
	if c.EntityType == EntityMedication {
		return false
	}
	if c.EntityType == EntityPatient && clinicalPatientFields[c.FieldName] {
		return false
	}
	return c.RemoteAllows
}

// ConflictSignal is the structured conflict payload produced by the remote
// apply endpoint when an optimistic write loses the race.
type ConflictSignal struct {
	Type           ConflictType `json:"type"`
	FieldName      string       `json:"field_name,omitempty"`
	BaseVersion    int64        `json:"base_version"`
	RemoteVersion  int64        `json:"remote_version"`
	RemoteValue    []byte       `json:"remote_value,omitempty"`
	Remote         WriterMeta   `json:"remote"`
	AutoResolvable bool         `json:"auto_resolvable"`
}
