package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/models"
)

// SQLiteCacheRepository is the patient cache partition of the local store.
type SQLiteCacheRepository struct {
	db *database.LocalStore
}

func NewSQLiteCacheRepository(db *database.LocalStore) *SQLiteCacheRepository {
	return &SQLiteCacheRepository{db: db}
}

func (r *SQLiteCacheRepository) Upsert(ctx context.Context, entry *models.PatientCacheEntry) error {
	query := `INSERT INTO patient_cache (id, data, size_bytes, priority, last_accessed_at, last_modified_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              data = excluded.data,
	              size_bytes = excluded.size_bytes,
	              priority = excluded.priority,
	              last_accessed_at = excluded.last_accessed_at,
	              last_modified_at = excluded.last_modified_at`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Data,
		entry.SizeBytes,
		string(entry.Priority),
		entry.LastAccessedAt.UnixMilli(),
		entry.LastModifiedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (r *SQLiteCacheRepository) Get(ctx context.Context, id string) (*models.PatientCacheEntry, error) {
	query := `SELECT id, data, size_bytes, priority, last_accessed_at, last_modified_at
	          FROM patient_cache WHERE id = ?`

	entry, err := scanCacheEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

func (r *SQLiteCacheRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE patient_cache SET last_accessed_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteCacheRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM patient_cache WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteCacheRepository) Totals(ctx context.Context) (int64, int, error) {
	query := `SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM patient_cache`

	var size int64
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&size, &count); err != nil {
		return 0, 0, fmt.Errorf("failed to read cache totals: %w", err)
	}
	return size, count, nil
}

// EvictionOrder ranks entries lowest clinical priority first, least recently
// accessed first within a priority, so critical records are the very last to
// appear.
func (r *SQLiteCacheRepository) EvictionOrder(ctx context.Context) ([]*models.PatientCacheEntry, error) {
	query := `SELECT id, data, size_bytes, priority, last_accessed_at, last_modified_at
	          FROM patient_cache
	          ORDER BY CASE priority
	                        WHEN 'critical' THEN 0
	                        WHEN 'high'     THEN 1
	                        WHEN 'normal'   THEN 2
	                        ELSE 3
	                   END DESC,
	                   last_accessed_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query eviction order: %w", err)
	}
	defer rows.Close()

	var entries []*models.PatientCacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

func (r *SQLiteCacheRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM patient_cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func scanCacheEntry(row rowScanner) (*models.PatientCacheEntry, error) {
	var (
		entry      models.PatientCacheEntry
		priority   string
		accessedAt int64
		modifiedAt int64
	)

	err := row.Scan(
		&entry.ID,
		&entry.Data,
		&entry.SizeBytes,
		&priority,
		&accessedAt,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Priority = models.CachePriority(priority)
	entry.LastAccessedAt = time.UnixMilli(accessedAt)
	entry.LastModifiedAt = time.UnixMilli(modifiedAt)
	return &entry, nil
}
