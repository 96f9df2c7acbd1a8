package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neonpro/continuity/internal/models"
)

// PostgresRecordRepository is the gateway's authoritative clinical record
// store. Every write is an optimistic update against the stored version; a
// lost race surfaces as ErrVersionConflict, which the apply service turns
// into the structured conflict payload devices resolve against.
type PostgresRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRecordRepository(pool *pgxpool.Pool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

func (r *PostgresRecordRepository) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.ClinicalRecord, error) {
	query := `SELECT id, entity_type, entity_id, data, version, updated_by, created_at, updated_at, deleted_at
	          FROM clinical_records
	          WHERE entity_type = $1 AND entity_id = $2`

	var record models.ClinicalRecord
	err := r.pool.QueryRow(ctx, query, entityType, entityID).Scan(
		&record.ID,
		&record.EntityType,
		&record.EntityID,
		&record.Data,
		&record.Version,
		&record.UpdatedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.DeletedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (r *PostgresRecordRepository) Insert(ctx context.Context, record *models.ClinicalRecord) error {
	query := `INSERT INTO clinical_records (entity_type, entity_id, data, version, updated_by)
	          VALUES ($1, $2, $3, 1, $4)
	          ON CONFLICT (entity_type, entity_id) DO NOTHING
	          RETURNING id, version, created_at`

	err := r.pool.QueryRow(ctx, query,
		record.EntityType,
		record.EntityID,
		record.Data,
		record.UpdatedBy,
	).Scan(&record.ID, &record.Version, &record.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// No row returned means the record already exists.
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Update only succeeds when the stored version still equals baseVersion.
func (r *PostgresRecordRepository) Update(ctx context.Context, record *models.ClinicalRecord, baseVersion int64) error {
	query := `UPDATE clinical_records
	          SET data = $1,
	              updated_by = $2,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE entity_type = $3 AND entity_id = $4
	            AND version = $5 AND deleted_at IS NULL
	          RETURNING id, version, updated_at`

	err := r.pool.QueryRow(ctx, query,
		record.Data,
		record.UpdatedBy,
		record.EntityType,
		record.EntityID,
		baseVersion,
	).Scan(&record.ID, &record.Version, &record.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

func (r *PostgresRecordRepository) SoftDelete(ctx context.Context, entityType models.EntityType, entityID string, baseVersion int64, actor string) error {
	query := `UPDATE clinical_records
	          SET deleted_at = NOW(),
	              updated_by = $1,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE entity_type = $2 AND entity_id = $3
	            AND version = $4 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, actor, entityType, entityID, baseVersion)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
