package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/models"
)

// SQLiteConflictRepository persists detected conflicts on the device until
// they are resolved or explicitly abandoned.
type SQLiteConflictRepository struct {
	db *database.LocalStore
}

func NewSQLiteConflictRepository(db *database.LocalStore) *SQLiteConflictRepository {
	return &SQLiteConflictRepository{db: db}
}

const conflictColumns = `id, action_id, entity_type, entity_id, field_name, conflict_type,
	priority, base_version, local_version, remote_version, local_value, remote_value,
	local_meta, remote_meta, remote_allows, status, resolution, created_at, resolved_at`

func (r *SQLiteConflictRepository) Create(ctx context.Context, conflict *models.ConflictRecord) error {
	localMeta, err := json.Marshal(conflict.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local writer meta: %w", err)
	}
	remoteMeta, err := json.Marshal(conflict.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote writer meta: %w", err)
	}

	query := `INSERT INTO conflicts (` + conflictColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		conflict.ID.String(),
		uuidPtrToString(conflict.ActionID),
		string(conflict.EntityType),
		conflict.EntityID,
		conflict.FieldName,
		string(conflict.Type),
		string(conflict.Priority),
		conflict.BaseVersion,
		conflict.LocalVersion,
		conflict.RemoteVersion,
		conflict.LocalValue,
		conflict.RemoteValue,
		string(localMeta),
		string(remoteMeta),
		boolToInt(conflict.RemoteAllows),
		string(conflict.Status),
		marshalResolution(conflict.Resolution),
		conflict.CreatedAt.UnixMilli(),
		timeToMillis(conflict.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *SQLiteConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`

	conflict, err := scanConflict(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

func (r *SQLiteConflictRepository) ListByStatus(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + `
	          FROM conflicts
	          WHERE status = ?
	          ORDER BY CASE priority
	                        WHEN 'critical' THEN 0
	                        WHEN 'high'     THEN 1
	                        WHEN 'medium'   THEN 2
	                        ELSE 3
	                   END ASC,
	                   created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func (r *SQLiteConflictRepository) Update(ctx context.Context, conflict *models.ConflictRecord) error {
	query := `UPDATE conflicts
	          SET status = ?, resolution = ?, resolved_at = ?
	          WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(conflict.Status),
		marshalResolution(conflict.Resolution),
		timeToMillis(conflict.ResolvedAt),
		conflict.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
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

func (r *SQLiteConflictRepository) PendingByPriority(ctx context.Context) (map[models.Priority]int, error) {
	query := `SELECT priority, COUNT(*)
	          FROM conflicts
	          WHERE status IN (?, ?, ?)
	          GROUP BY priority`

	rows, err := r.db.QueryContext(ctx, query,
		string(models.ConflictPending),
		string(models.ConflictResolving),
		string(models.ConflictFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Priority]int)
	for rows.Next() {
		var priority string
		var count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan conflict count: %w", err)
		}
		counts[models.Priority(priority)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict counts: %w", err)
	}
	return counts, nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var (
		conflict     models.ConflictRecord
		id           string
		actionID     sql.NullString
		entityType   string
		conflictType string
		priority     string
		localMeta    string
		remoteMeta   string
		remoteAllows int
		status       string
		resolution   sql.NullString
		createdAt    int64
		resolvedAt   sql.NullInt64
	)

	err := row.Scan(
		&id,
		&actionID,
		&entityType,
		&conflict.EntityID,
		&conflict.FieldName,
		&conflictType,
		&priority,
		&conflict.BaseVersion,
		&conflict.LocalVersion,
		&conflict.RemoteVersion,
		&conflict.LocalValue,
		&conflict.RemoteValue,
		&localMeta,
		&remoteMeta,
		&remoteAllows,
		&status,
		&resolution,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt conflict id %q: %w", id, err)
	}
	conflict.ID = parsed

	if actionID.Valid {
		aid, err := uuid.Parse(actionID.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt action id %q: %w", actionID.String, err)
		}
		conflict.ActionID = &aid
	}

	if err := json.Unmarshal([]byte(localMeta), &conflict.Local); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local writer meta: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteMeta), &conflict.Remote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote writer meta: %w", err)
	}
	if resolution.Valid {
		var res models.Resolution
		if err := json.Unmarshal([]byte(resolution.String), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
		}
		conflict.Resolution = &res
	}

	conflict.EntityType = models.EntityType(entityType)
	conflict.Type = models.ConflictType(conflictType)
	conflict.Priority = models.Priority(priority)
	conflict.RemoteAllows = remoteAllows != 0
	conflict.Status = models.ConflictStatus(status)
	conflict.CreatedAt = time.UnixMilli(createdAt)
	conflict.ResolvedAt = millisToTime(resolvedAt)
	return &conflict, nil
}

func uuidPtrToString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func marshalResolution(res *models.Resolution) any {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return string(data)
}
