package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/rs/zerolog"
)

// ErrInvalidAction marks an apply request the gateway refuses outright.
// Devices treat it as terminal, never retried.
var ErrInvalidAction = errors.New("invalid apply request")

// ApplyAction is the mutation body of a remote apply call.
type ApplyAction struct {
	Type        models.ActionType `json:"type"`
	EntityType  models.EntityType `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Data        []byte            `json:"data,omitempty"`
	BaseVersion int64             `json:"base_version"`
	FieldName   string            `json:"field_name,omitempty"`
	DeviceType  string            `json:"device_type,omitempty"`
	// WrittenAt is the writing device's own clock, carried for
	// last-writer-wins resolution downstream.
	WrittenAt time.Time `json:"written_at"`
}

type ApplyResult struct {
	Applied    bool                   `json:"applied"`
	NewVersion int64                  `json:"new_version,omitempty"`
	Conflict   *models.ConflictSignal `json:"conflict,omitempty"`
}

// ApplyService is the gateway's remote apply endpoint: it lands device
// mutations on the authoritative record store under optimistic locking and
// turns lost races into structured conflict signals.
type ApplyService struct {
	records repositories.RecordRepository
	logger  zerolog.Logger
}

func NewApplyService(records repositories.RecordRepository, logger zerolog.Logger) *ApplyService {
	return &ApplyService{
		records: records,
		logger:  logger.With().Str("component", "apply").Logger(),
	}
}

func (s *ApplyService) Apply(ctx context.Context, actorID string, action ApplyAction) (*ApplyResult, error) {
	if actorID == "" || action.EntityID == "" {
		return nil, fmt.Errorf("%w: actor and entity id required", ErrInvalidAction)
	}

	switch action.Type {
	case models.ActionCreate:
		return s.applyCreate(ctx, actorID, action)
	case models.ActionUpdate, models.ActionUpload:
		return s.applyUpdate(ctx, actorID, action)
	case models.ActionDelete:
		return s.applyDelete(ctx, actorID, action)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, action.Type)
	}
}

func (s *ApplyService) applyCreate(ctx context.Context, actorID string, action ApplyAction) (*ApplyResult, error) {
	record := &models.ClinicalRecord{
		EntityType: action.EntityType,
		EntityID:   action.EntityID,
		Data:       action.Data,
		UpdatedBy:  actorID,
	}

	err := s.records.Insert(ctx, record)
	if errors.Is(err, repositories.ErrVersionConflict) {
		return s.conflictResult(ctx, action, models.ConflictCreateDuplicate)
	}
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Applied: true, NewVersion: record.Version}, nil
}

func (s *ApplyService) applyUpdate(ctx context.Context, actorID string, action ApplyAction) (*ApplyResult, error) {
	record := &models.ClinicalRecord{
		EntityType: action.EntityType,
		EntityID:   action.EntityID,
		Data:       action.Data,
		UpdatedBy:  actorID,
	}

	err := s.records.Update(ctx, record, action.BaseVersion)
	if errors.Is(err, repositories.ErrVersionConflict) {
		return s.classifyUpdateConflict(ctx, action)
	}
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Applied: true, NewVersion: record.Version}, nil
}

func (s *ApplyService) applyDelete(ctx context.Context, actorID string, action ApplyAction) (*ApplyResult, error) {
	err := s.records.SoftDelete(ctx, action.EntityType, action.EntityID, action.BaseVersion, actorID)
	if errors.Is(err, repositories.ErrVersionConflict) {
		current, getErr := s.records.Get(ctx, action.EntityType, action.EntityID)
		if errors.Is(getErr, repositories.ErrNotFound) {
			// Already gone; deleting a deleted record is a clean no-op.
			return &ApplyResult{Applied: true}, nil
		}
		if getErr != nil {
			// The delete did not land; the device must retry, not complete.
			return nil, fmt.Errorf("failed to load record after delete conflict: %w", getErr)
		}
		if current.DeletedAt != nil {
			return &ApplyResult{Applied: true}, nil
		}
		// The record was modified since the device last saw it.
		return s.conflictResult(ctx, action, models.ConflictDeleteModified)
	}
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Applied: true}, nil
}

func (s *ApplyService) classifyUpdateConflict(ctx context.Context, action ApplyAction) (*ApplyResult, error) {
	current, err := s.records.Get(ctx, action.EntityType, action.EntityID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: update of unknown entity %s/%s",
			ErrInvalidAction, action.EntityType, action.EntityID)
	}
	if err != nil {
		return nil, err
	}

	conflictType := models.ConflictConcurrentEdit
	switch {
	case current.DeletedAt != nil:
		conflictType = models.ConflictDeleteModified
	case action.BaseVersion > current.Version:
		// The device claims a version ahead of the authority: diverged replica.
		conflictType = models.ConflictVersionMismatch
	}
	return s.conflictResult(ctx, action, conflictType)
}

func (s *ApplyService) conflictResult(ctx context.Context, action ApplyAction, conflictType models.ConflictType) (*ApplyResult, error) {
	current, err := s.records.Get(ctx, action.EntityType, action.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicting record: %w", err)
	}

	remoteWrittenAt := current.CreatedAt
	if current.UpdatedAt != nil {
		remoteWrittenAt = *current.UpdatedAt
	}

	signal := &models.ConflictSignal{
		Type:          conflictType,
		FieldName:     action.FieldName,
		BaseVersion:   action.BaseVersion,
		RemoteVersion: current.Version,
		RemoteValue:   current.Data,
		Remote: models.WriterMeta{
			DeviceID:  current.UpdatedBy,
			Timestamp: remoteWrittenAt,
		},
		AutoResolvable: autoResolvable(action.EntityType, conflictType),
	}

	s.logger.Info().
		Str("entity_type", string(action.EntityType)).
		Str("entity_id", action.EntityID).
		Str("conflict_type", string(conflictType)).
		Msg("apply conflicted")
	return &ApplyResult{Applied: false, Conflict: signal}, nil
}

// autoResolvable is the remote authority's verdict: medication and patient
// records, and anything involving a delete, always need human eyes.
func autoResolvable(entityType models.EntityType, conflictType models.ConflictType) bool {
	if entityType == models.EntityMedication || entityType == models.EntityPatient {
		return false
	}
	if conflictType == models.ConflictDeleteModified {
		return false
	}
	return true
}
