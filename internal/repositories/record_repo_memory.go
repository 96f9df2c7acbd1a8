package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/models"
)

// MemoryRecordRepository mirrors the postgres record store for tests and
// single-node development gateways.
type MemoryRecordRepository struct {
	mu      sync.Mutex
	records map[string]*models.ClinicalRecord
}

func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{records: make(map[string]*models.ClinicalRecord)}
}

func recordKey(entityType models.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

func (r *MemoryRecordRepository) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.ClinicalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[recordKey(entityType, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *MemoryRecordRepository) Insert(ctx context.Context, record *models.ClinicalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey(record.EntityType, record.EntityID)
	if _, ok := r.records[key]; ok {
		return ErrVersionConflict
	}

	record.ID = uuid.New()
	record.Version = 1
	record.CreatedAt = time.Now()
	copied := *record
	r.records[key] = &copied
	return nil
}

func (r *MemoryRecordRepository) Update(ctx context.Context, record *models.ClinicalRecord, baseVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[recordKey(record.EntityType, record.EntityID)]
	if !ok || stored.Version != baseVersion || stored.DeletedAt != nil {
		return ErrVersionConflict
	}

	now := time.Now()
	stored.Data = append([]byte(nil), record.Data...)
	stored.UpdatedBy = record.UpdatedBy
	stored.Version++
	stored.UpdatedAt = &now

	record.ID = stored.ID
	record.Version = stored.Version
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRecordRepository) SoftDelete(ctx context.Context, entityType models.EntityType, entityID string, baseVersion int64, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[recordKey(entityType, entityID)]
	if !ok || stored.Version != baseVersion || stored.DeletedAt != nil {
		return ErrVersionConflict
	}

	now := time.Now()
	stored.DeletedAt = &now
	stored.UpdatedAt = &now
	stored.UpdatedBy = actor
	stored.Version++
	return nil
}
