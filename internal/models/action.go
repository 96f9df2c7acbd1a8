package models

import (
	"time"

	"github.com/google/uuid"
)

type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionUpload ActionType = "upload"
)

type EntityType string

const (
	EntityPatient     EntityType = "patient"
	EntityAppointment EntityType = "appointment"
	EntityTreatment   EntityType = "treatment"
	EntityMedication  EntityType = "medication"
	EntityFile        EntityType = "file"
	EntityFormData    EntityType = "form_data"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its submission order. Lower rank submits first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

type ActionStatus string

const (
	ActionQueued     ActionStatus = "queued"
	ActionProcessing ActionStatus = "processing"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionCancelled  ActionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// QueuedAction is a pending local mutation awaiting delivery to the remote
// authority. It lives in the durable queue from creation until it reaches a
// terminal status and is purged.
type QueuedAction struct {
	ID             uuid.UUID     `json:"id"`
	Type           ActionType    `json:"type"`
	EntityType     EntityType    `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	Payload        []byte        `json:"payload"`
	BaseVersion    int64         `json:"base_version"`
	Priority       Priority      `json:"priority"`
	IsEmergency    bool          `json:"is_emergency"`
	Status         ActionStatus  `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAttemptAt  *time.Time    `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
}

// NextBackoff computes the retry deadline after a failed attempt:
// baseRetryDelay doubled per attempt already made.
func (a *QueuedAction) NextBackoff(now time.Time) time.Time {
	delay := a.BaseRetryDelay
	for i := 0; i < a.Attempts; i++ {
		delay *= 2
	}
	return now.Add(delay)
}
