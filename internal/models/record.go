package models

import (
	"time"

	"github.com/google/uuid"
)

// ClinicalRecord is the gateway-side authoritative copy of a clinical entity.
// Version increments on every accepted write; optimistic locking against it is
// what turns concurrent edits into conflict signals.
type ClinicalRecord struct {
	ID         uuid.UUID  `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Data       []byte     `json:"data"`
	Version    int64      `json:"version"`
	UpdatedBy  string     `json:"updated_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}
