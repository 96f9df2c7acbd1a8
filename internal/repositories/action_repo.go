package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/models"
)

// SQLiteActionRepository persists the durable action queue on the device.
type SQLiteActionRepository struct {
	db *database.LocalStore
}

func NewSQLiteActionRepository(db *database.LocalStore) *SQLiteActionRepository {
	return &SQLiteActionRepository{db: db}
}

const actionColumns = `id, type, entity_type, entity_id, payload, base_version, priority,
	is_emergency, status, attempts, max_attempts, base_retry_delay_ms,
	last_error, created_at, last_attempt_at, next_retry_at`

func (r *SQLiteActionRepository) Create(ctx context.Context, action *models.QueuedAction) error {
	query := `INSERT INTO queued_actions (` + actionColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		action.ID.String(),
		string(action.Type),
		string(action.EntityType),
		action.EntityID,
		action.Payload,
		action.BaseVersion,
		string(action.Priority),
		boolToInt(action.IsEmergency),
		string(action.Status),
		action.Attempts,
		action.MaxAttempts,
		action.BaseRetryDelay.Milliseconds(),
		action.LastError,
		action.CreatedAt.UnixMilli(),
		timeToMillis(action.LastAttemptAt),
		timeToMillis(action.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

func (r *SQLiteActionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueuedAction, error) {
	query := `SELECT ` + actionColumns + ` FROM queued_actions WHERE id = ?`

	action, err := scanAction(r.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return action, nil
}

func (r *SQLiteActionRepository) Due(ctx context.Context, now time.Time) ([]*models.QueuedAction, error) {
	// Emergency actions jump the queue regardless of priority class.
	query := `SELECT ` + actionColumns + `
	          FROM queued_actions
	          WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
	          ORDER BY is_emergency DESC,
	                   CASE priority
	                        WHEN 'critical' THEN 0
	                        WHEN 'high'     THEN 1
	                        WHEN 'medium'   THEN 2
	                        ELSE 3
	                   END ASC,
	                   created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(models.ActionQueued), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query due actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

func (r *SQLiteActionRepository) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM queued_actions WHERE status IN (?, ?)`

	var count int
	err := r.db.QueryRowContext(ctx, query,
		string(models.ActionQueued), string(models.ActionProcessing)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active actions: %w", err)
	}
	return count, nil
}

// Transition persists the action's current state, guarded by the status it is
// expected to still be in. The WHERE clause is what gives the queue its
// per-action exclusivity: two flushers racing to mark the same action
// processing see exactly one winner.
func (r *SQLiteActionRepository) Transition(ctx context.Context, action *models.QueuedAction, from models.ActionStatus) error {
	query := `UPDATE queued_actions
	          SET status = ?, attempts = ?, last_error = ?,
	              last_attempt_at = ?, next_retry_at = ?
	          WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(action.Status),
		action.Attempts,
		action.LastError,
		timeToMillis(action.LastAttemptAt),
		timeToMillis(action.NextRetryAt),
		action.ID.String(),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition action: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *SQLiteActionRepository) PurgeTerminal(ctx context.Context) (int, error) {
	query := `DELETE FROM queued_actions WHERE status IN (?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		string(models.ActionCompleted),
		string(models.ActionFailed),
		string(models.ActionCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal actions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	var (
		action        models.QueuedAction
		id            string
		actionType    string
		entityType    string
		priority      string
		isEmergency   int
		status        string
		retryDelayMS  int64
		createdAt     int64
		lastAttemptAt sql.NullInt64
		nextRetryAt   sql.NullInt64
	)

	err := row.Scan(
		&id,
		&actionType,
		&entityType,
		&action.EntityID,
		&action.Payload,
		&action.BaseVersion,
		&priority,
		&isEmergency,
		&status,
		&action.Attempts,
		&action.MaxAttempts,
		&retryDelayMS,
		&action.LastError,
		&createdAt,
		&lastAttemptAt,
		&nextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt action id %q: %w", id, err)
	}
	action.ID = parsed
	action.Type = models.ActionType(actionType)
	action.EntityType = models.EntityType(entityType)
	action.Priority = models.Priority(priority)
	action.IsEmergency = isEmergency != 0
	action.Status = models.ActionStatus(status)
	action.BaseRetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	action.CreatedAt = time.UnixMilli(createdAt)
	action.LastAttemptAt = millisToTime(lastAttemptAt)
	action.NextRetryAt = millisToTime(nextRetryAt)
	return &action, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
