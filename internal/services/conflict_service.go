package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/rs/zerolog"
)

var (
	// ErrMergeDataRequired is returned when a merge resolution arrives
	// without caller-supplied merged data.
	ErrMergeDataRequired = errors.New("merge resolution requires merged data")

	// ErrInvalidResolution is returned for a resolution type outside
	// keep_local, keep_remote and merge.
	ErrInvalidResolution = errors.New("unknown resolution type")

	// ErrConflictSettled is returned when resolving a conflict that is
	// already resolved or mid-resolution.
	ErrConflictSettled = errors.New("conflict is already settled or resolving")

	// ErrConflictPersistence marks a resolution that could not be committed.
	// The conflict stays visible for retry rather than being dropped.
	ErrConflictPersistence = errors.New("failed to persist conflict resolution")
)

// ResolutionCommitter pushes a resolved value to the remote authority before
// the conflict may be marked resolved. Implemented by the gateway client.
type ResolutionCommitter interface {
	CommitResolution(ctx context.Context, conflict *models.ConflictRecord, winning []byte) (int64, error)
}

type ConflictConfig struct {
	DeviceID   string
	DeviceType string
	UserID     string
	// AutoResolveDelay is the pause between detection and automatic
	// resolution, giving the clinician a window to see the conflict.
	// Negative disables scheduling entirely (resolution stays manual or is
	// driven through AutoResolve directly).
	AutoResolveDelay time.Duration
}

// ConflictService classifies divergences, applies the auto-resolution policy
// where it is safe, and carries the manual resolution protocol. Both paths
// commit through the same code so a resolution is always durably recorded
// before the conflict is marked resolved.
type ConflictService struct {
	cfg       ConflictConfig
	conflicts repositories.ConflictRepository
	actions   repositories.ActionRepository
	committer ResolutionCommitter
	logger    zerolog.Logger
	now       func() time.Time
}

func NewConflictService(
	conflicts repositories.ConflictRepository,
	actions repositories.ActionRepository,
	committer ResolutionCommitter,
	cfg ConflictConfig,
	logger zerolog.Logger,
) *ConflictService {
	if cfg.AutoResolveDelay == 0 {
		cfg.AutoResolveDelay = 5 * time.Second
	}
	return &ConflictService{
		cfg:       cfg,
		conflicts: conflicts,
		actions:   actions,
		committer: committer,
		logger:    logger.With().Str("component", "conflict_resolver").Logger(),
		now:       time.Now,
	}
}

// Record turns a submission's conflict signal into a persisted
// ConflictRecord and schedules auto-resolution when the safety rules allow.
// It satisfies the queue's ConflictSink.
func (s *ConflictService) Record(ctx context.Context, action *models.QueuedAction, signal *models.ConflictSignal) error {
	actionID := action.ID
	conflict := &models.ConflictRecord{
		ID:            uuid.New(),
		ActionID:      &actionID,
		EntityType:    action.EntityType,
		EntityID:      action.EntityID,
		FieldName:     signal.FieldName,
		Type:          signal.Type,
		Priority:      classifyConflictPriority(action),
		BaseVersion:   signal.BaseVersion,
		LocalVersion:  action.BaseVersion,
		RemoteVersion: signal.RemoteVersion,
		LocalValue:    action.Payload,
		RemoteValue:   signal.RemoteValue,
		Local: models.WriterMeta{
			DeviceID:   s.cfg.DeviceID,
			DeviceType: s.cfg.DeviceType,
			UserID:     s.cfg.UserID,
			Timestamp:  action.CreatedAt,
		},
		Remote:       signal.Remote,
		RemoteAllows: signal.AutoResolvable,
		Status:       models.ConflictPending,
		CreatedAt:    s.now(),
	}

	if err := s.conflicts.Create(ctx, conflict); err != nil {
		return fmt.Errorf("failed to persist conflict: %w", err)
	}

	s.logger.Info().
		Stringer("conflict_id", conflict.ID).
		Str("entity_type", string(conflict.EntityType)).
		Str("entity_id", conflict.EntityID).
		Str("priority", string(conflict.Priority)).
		Bool("auto_resolvable", conflict.CanAutoResolve()).
		Msg("conflict recorded")

	if conflict.CanAutoResolve() && s.cfg.AutoResolveDelay >= 0 {
		id := conflict.ID
		time.AfterFunc(s.cfg.AutoResolveDelay, func() {
			if err := s.AutoResolve(context.Background(), id); err != nil {
				s.logger.Warn().Stringer("conflict_id", id).Err(err).
					Msg("scheduled auto-resolution failed")
			}
		})
	}
	return nil
}

// AutoResolve applies last-writer-wins by device timestamp to an eligible
// pending conflict, through the same commit path as manual resolution.
func (s *ConflictService) AutoResolve(ctx context.Context, id uuid.UUID) error {
	conflict, err := s.conflicts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conflict.Status != models.ConflictPending {
		return nil
	}
	if !conflict.CanAutoResolve() {
		return nil
	}

	// Device clocks decide the winner. Skew between devices is a known risk
	// here, so both timestamps land in the audit reason.
	resType := models.ResolutionKeepRemote
	if conflict.Local.Timestamp.After(conflict.Remote.Timestamp) {
		resType = models.ResolutionKeepLocal
	}
	reason := fmt.Sprintf(
		"last writer wins by device timestamp: local %s (%s), remote %s (%s)",
		conflict.Local.Timestamp.Format(time.RFC3339), conflict.Local.DeviceID,
		conflict.Remote.Timestamp.Format(time.RFC3339), conflict.Remote.DeviceID,
	)

	return s.commitResolution(ctx, conflict, models.Resolution{
		Type:      resType,
		Reason:    reason,
		Automatic: true,
	})
}

type ResolveRequest struct {
	Type       models.ResolutionType
	MergedData []byte
	Reason     string
}

// Resolve applies a clinician's decision to a pending (or previously failed)
// conflict. A merge without merged data is a usage error, not a no-op.
func (s *ConflictService) Resolve(ctx context.Context, id uuid.UUID, req ResolveRequest) error {
	switch req.Type {
	case models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionMerge:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidResolution, req.Type)
	}
	if req.Type == models.ResolutionMerge && len(req.MergedData) == 0 {
		return ErrMergeDataRequired
	}

	conflict, err := s.conflicts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conflict.Status != models.ConflictPending && conflict.Status != models.ConflictFailed {
		return ErrConflictSettled
	}

	return s.commitResolution(ctx, conflict, models.Resolution{
		Type:       req.Type,
		MergedData: req.MergedData,
		Reason:     req.Reason,
	})
}

// commitResolution is the single path both automatic and manual resolution
// go through: the winning value is committed remotely, the resolution is
// durably recorded, and only then is the conflict marked resolved.
func (s *ConflictService) commitResolution(ctx context.Context, conflict *models.ConflictRecord, resolution models.Resolution) error {
	conflict.Status = models.ConflictResolving
	if err := s.conflicts.Update(ctx, conflict); err != nil {
		return fmt.Errorf("%w: %v", ErrConflictPersistence, err)
	}

	winning := conflict.RemoteValue
	switch resolution.Type {
	case models.ResolutionKeepLocal:
		winning = conflict.LocalValue
	case models.ResolutionMerge:
		winning = resolution.MergedData
	}

	// keep_remote already matches the authority; everything else must land
	// there before the conflict can be considered settled.
	if resolution.Type != models.ResolutionKeepRemote {
		if _, err := s.committer.CommitResolution(ctx, conflict, winning); err != nil {
			s.failResolution(ctx, conflict)
			return fmt.Errorf("%w: remote commit failed: %v", ErrConflictPersistence, err)
		}
	}

	now := s.now()
	resolution.ResolvedAt = now
	conflict.Status = models.ConflictResolved
	conflict.Resolution = &resolution
	conflict.ResolvedAt = &now
	if err := s.conflicts.Update(ctx, conflict); err != nil {
		s.failResolution(ctx, conflict)
		return fmt.Errorf("%w: %v", ErrConflictPersistence, err)
	}

	s.completeParkedAction(ctx, conflict)

	s.logger.Info().
		Stringer("conflict_id", conflict.ID).
		Str("resolution", string(resolution.Type)).
		Bool("automatic", resolution.Automatic).
		Str("reason", resolution.Reason).
		Msg("conflict resolved")
	return nil
}

func (s *ConflictService) failResolution(ctx context.Context, conflict *models.ConflictRecord) {
	conflict.Status = models.ConflictFailed
	conflict.Resolution = nil
	conflict.ResolvedAt = nil
	if err := s.conflicts.Update(ctx, conflict); err != nil {
		// One attempt only; a failure to record the failure is swallowed.
		s.logger.Error().Stringer("conflict_id", conflict.ID).Err(err).
			Msg("failed to mark conflict resolution as failed")
	}
}

// completeParkedAction releases the queued action a resolved conflict was
// holding. Best effort: the resolution itself is already durable.
func (s *ConflictService) completeParkedAction(ctx context.Context, conflict *models.ConflictRecord) {
	if conflict.ActionID == nil {
		return
	}

	action, err := s.actions.GetByID(ctx, *conflict.ActionID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn().Stringer("action_id", *conflict.ActionID).Err(err).
				Msg("failed to load parked action after resolution")
		}
		return
	}
	if action.Status != models.ActionProcessing {
		return
	}

	action.Status = models.ActionCompleted
	action.LastError = ""
	if err := s.actions.Transition(ctx, action, models.ActionProcessing); err != nil {
		s.logger.Warn().Stringer("action_id", action.ID).Err(err).
			Msg("failed to complete parked action after resolution")
	}
}

// Pending lists unresolved conflicts in triage order.
func (s *ConflictService) Pending(ctx context.Context) ([]*models.ConflictRecord, error) {
	return s.conflicts.ListByStatus(ctx, models.ConflictPending)
}

// ConflictSummary is the triage view: pending counts per priority plus the
// global all-clear flag. Any critical backlog blocks the all-clear.
type ConflictSummary struct {
	ByPriority map[models.Priority]int `json:"by_priority"`
	Total      int                     `json:"total"`
	AllClear   bool                    `json:"all_clear"`
}

func (s *ConflictService) Summary(ctx context.Context) (*ConflictSummary, error) {
	counts, err := s.conflicts.PendingByPriority(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return &ConflictSummary{
		ByPriority: counts,
		Total:      total,
		AllClear:   counts[models.PriorityCritical] == 0 && total == 0,
	}, nil
}

// classifyConflictPriority grades a conflict's clinical safety, independent
// of how urgent the underlying queue action was.
func classifyConflictPriority(action *models.QueuedAction) models.Priority {
	switch {
	case action.IsEmergency || action.EntityType == models.EntityMedication:
		return models.PriorityCritical
	case action.EntityType == models.EntityPatient || action.EntityType == models.EntityTreatment:
		return models.PriorityHigh
	case action.EntityType == models.EntityAppointment:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}
