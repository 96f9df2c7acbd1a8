package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic write loses the race
	// against another device's write.
	ErrVersionConflict = errors.New("version conflict: record was modified by another device")

	// ErrTokenAlreadyRedeemed is returned when a handoff token has already
	// been redeemed once.
	ErrTokenAlreadyRedeemed = errors.New("handoff token already redeemed")

	// ErrStaleStatus is returned when a status transition is attempted from a
	// status that no longer matches, e.g. cancelling an action that started
	// processing between the read and the write.
	ErrStaleStatus = errors.New("status changed underneath the transition")
)

type ActionRepository interface {
	Create(ctx context.Context, action *models.QueuedAction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueuedAction, error)
	// Due returns queued actions whose retry deadline has elapsed, ordered
	// emergency-first, then priority rank, then age.
	Due(ctx context.Context, now time.Time) ([]*models.QueuedAction, error)
	// CountActive counts actions occupying queue capacity (queued + processing).
	CountActive(ctx context.Context) (int, error)
	// Transition moves an action from one status to another, persisting the
	// attempt bookkeeping carried on the action. It fails with ErrStaleStatus
	// if the stored status is no longer `from`.
	Transition(ctx context.Context, action *models.QueuedAction, from models.ActionStatus) error
	PurgeTerminal(ctx context.Context) (int, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, conflict *models.ConflictRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error)
	ListByStatus(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error)
	Update(ctx context.Context, conflict *models.ConflictRecord) error
	// PendingByPriority counts unresolved conflicts per priority for triage.
	PendingByPriority(ctx context.Context) (map[models.Priority]int, error)
}

type CacheRepository interface {
	Upsert(ctx context.Context, entry *models.PatientCacheEntry) error
	Get(ctx context.Context, id string) (*models.PatientCacheEntry, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	// Totals reports current occupancy against the ceilings.
	Totals(ctx context.Context) (sizeBytes int64, count int, err error)
	// EvictionOrder lists entries lowest clinical priority first, least
	// recently accessed first within a priority. Critical entries sort last.
	EvictionOrder(ctx context.Context) ([]*models.PatientCacheEntry, error)
	Clear(ctx context.Context) error
}

type RecordRepository interface {
	Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.ClinicalRecord, error)
	// Insert creates version 1 of a record; ErrVersionConflict if it exists.
	Insert(ctx context.Context, record *models.ClinicalRecord) error
	// Update applies an optimistic write: succeeds only when the stored
	// version equals baseVersion, otherwise ErrVersionConflict.
	Update(ctx context.Context, record *models.ClinicalRecord, baseVersion int64) error
	// SoftDelete tombstones a record under the same optimistic check.
	SoftDelete(ctx context.Context, entityType models.EntityType, entityID string, baseVersion int64, actor string) error
}

type TokenRepository interface {
	Save(ctx context.Context, token *models.HandoffToken, ttl time.Duration) error
	Get(ctx context.Context, nonce string) (*models.HandoffToken, error)
	// Redeem marks the token redeemed exactly once; a second call returns
	// ErrTokenAlreadyRedeemed.
	Redeem(ctx context.Context, nonce, targetFingerprint string, at time.Time) error
}
