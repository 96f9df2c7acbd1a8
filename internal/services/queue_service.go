package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when enqueueing would exceed the queue ceiling.
	ErrQueueFull = errors.New("action queue is full")

	// ErrRemoteRejected marks a submission the remote authority refused
	// outright (validation failure, authorization). Never retried.
	ErrRemoteRejected = errors.New("remote endpoint rejected the action")

	// ErrNotCancellable is returned when cancelling an action that is no
	// longer sitting in the queue.
	ErrNotCancellable = errors.New("action is not cancellable in its current status")
)

// ApplyOutcome is the result of one remote submission: either a clean apply
// with the authority's new version, or a conflict signal.
type ApplyOutcome struct {
	NewVersion int64
	Conflict   *models.ConflictSignal
}

// RemoteApplier submits a single queued action to the remote apply endpoint.
// Transport errors and 5xx responses are transient; explicit rejection wraps
// ErrRemoteRejected.
type RemoteApplier interface {
	Apply(ctx context.Context, actorID string, action *models.QueuedAction) (*ApplyOutcome, error)
}

// ConflictSink receives conflict signals produced by submissions. The queue
// parks the conflicted action until the sink's owner settles it.
type ConflictSink interface {
	Record(ctx context.Context, action *models.QueuedAction, signal *models.ConflictSignal) error
}

type QueueConfig struct {
	ActorID        string
	MaxQueueSize   int
	MaxAttempts    int
	BaseRetryDelay time.Duration
	SubmitTimeout  time.Duration
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
}

// QueueService owns the durable action queue: it accepts local mutations,
// persists them, and drives their ordered, retried delivery to the remote
// authority.
type QueueService struct {
	cfg       QueueConfig
	actions   repositories.ActionRepository
	applier   RemoteApplier
	conflicts ConflictSink
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	flushing bool
}

func NewQueueService(
	actions repositories.ActionRepository,
	applier RemoteApplier,
	conflicts ConflictSink,
	cfg QueueConfig,
	logger zerolog.Logger,
) *QueueService {
	cfg.applyDefaults()
	return &QueueService{
		cfg:       cfg,
		actions:   actions,
		applier:   applier,
		conflicts: conflicts,
		logger:    logger.With().Str("component", "action_queue").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

type EnqueueRequest struct {
	Type        models.ActionType
	EntityType  models.EntityType
	EntityID    string
	Payload     []byte
	BaseVersion int64
	Priority    models.Priority
	IsEmergency bool
}

// Enqueue persists a local mutation as a queued action. It refuses with
// ErrQueueFull rather than silently dropping work when the ceiling is hit.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueuedAction, error) {
	active, err := s.actions.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check queue depth: %w", err)
	}
	if active >= s.cfg.MaxQueueSize {
		return nil, ErrQueueFull
	}

	action := &models.QueuedAction{
		ID:             uuid.New(),
		Type:           req.Type,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Payload:        req.Payload,
		BaseVersion:    req.BaseVersion,
		Priority:       req.Priority,
		IsEmergency:    req.IsEmergency,
		Status:         models.ActionQueued,
		MaxAttempts:    s.cfg.MaxAttempts,
		BaseRetryDelay: s.cfg.BaseRetryDelay,
		CreatedAt:      s.now(),
	}

	if err := s.actions.Create(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist action: %w", err)
	}

	s.logger.Debug().
		Stringer("action_id", action.ID).
		Str("entity_type", string(action.EntityType)).
		Str("priority", string(action.Priority)).
		Msg("action enqueued")
	return action, nil
}

func (s *QueueService) Get(ctx context.Context, id uuid.UUID) (*models.QueuedAction, error) {
	return s.actions.GetByID(ctx, id)
}

// Depth reports how many actions currently occupy queue capacity.
func (s *QueueService) Depth(ctx context.Context) (int, error) {
	return s.actions.CountActive(ctx)
}

// Flush submits due actions in priority-then-age order, batched and bounded
// by the measured link quality. It is single-flight: a call arriving while a
// flush is running returns immediately and leaves the work to the running
// cycle. Offline links make it a no-op.
func (s *QueueService) Flush(ctx context.Context, quality models.NetworkQuality) error {
	if !quality.Online() {
		return nil
	}

	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return nil
	}
	s.flushing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	due, err := s.actions.Due(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to select due actions: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	batchSize := quality.BatchSize()
	for start := 0; start < len(due); start += batchSize {
		end := start + batchSize
		if end > len(due) {
			end = len(due)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(quality.Concurrency())
		for _, action := range due[start:end] {
			g.Go(func() error {
				// Submission failures are absorbed into the action's
				// own retry state; only store breakage aborts the cycle.
				return s.submit(gctx, action)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if cooldown := quality.Cooldown(); cooldown > 0 && end < len(due) {
			if err := s.sleep(ctx, cooldown); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *QueueService) submit(ctx context.Context, action *models.QueuedAction) error {
	now := s.now()
	action.Status = models.ActionProcessing
	action.Attempts++
	action.LastAttemptAt = &now
	action.NextRetryAt = nil

	err := s.actions.Transition(ctx, action, models.ActionQueued)
	if errors.Is(err, repositories.ErrStaleStatus) {
		// Another submission already owns this action.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark action processing: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	outcome, applyErr := s.applier.Apply(submitCtx, s.cfg.ActorID, action)
	cancel()

	switch {
	case applyErr == nil && outcome != nil && outcome.Conflict != nil:
		return s.park(ctx, action, outcome.Conflict)
	case applyErr == nil:
		action.Status = models.ActionCompleted
		action.LastError = ""
		if err := s.actions.Transition(ctx, action, models.ActionProcessing); err != nil {
			return fmt.Errorf("failed to complete action: %w", err)
		}
		s.logger.Debug().Stringer("action_id", action.ID).Msg("action delivered")
		return nil
	case errors.Is(applyErr, ErrRemoteRejected):
		action.Status = models.ActionFailed
		action.LastError = applyErr.Error()
		if err := s.actions.Transition(ctx, action, models.ActionProcessing); err != nil {
			return fmt.Errorf("failed to fail rejected action: %w", err)
		}
		s.logger.Warn().Stringer("action_id", action.ID).Err(applyErr).
			Msg("action rejected by remote, not retrying")
		return nil
	default:
		return s.retryOrFail(ctx, action, applyErr)
	}
}

// park hands the conflict to the resolver and leaves the action in
// processing: the flush selector only picks up queued actions, so a parked
// action cannot be resubmitted while its conflict is open. The resolver
// completes or requeues it when the conflict settles.
func (s *QueueService) park(ctx context.Context, action *models.QueuedAction, signal *models.ConflictSignal) error {
	if s.conflicts == nil {
		return s.retryOrFail(ctx, action, fmt.Errorf("conflict detected with no resolver attached"))
	}
	if err := s.conflicts.Record(ctx, action, signal); err != nil {
		// Treat an unrecordable conflict like a transient failure so the
		// action is not stranded in processing.
		return s.retryOrFail(ctx, action, fmt.Errorf("failed to record conflict: %w", err))
	}
	s.logger.Info().
		Stringer("action_id", action.ID).
		Str("conflict_type", string(signal.Type)).
		Msg("submission conflicted, parked for resolution")
	return nil
}

func (s *QueueService) retryOrFail(ctx context.Context, action *models.QueuedAction, cause error) error {
	action.LastError = cause.Error()

	if action.Attempts >= action.MaxAttempts {
		action.Status = models.ActionFailed
		if err := s.actions.Transition(ctx, action, models.ActionProcessing); err != nil {
			return fmt.Errorf("failed to fail exhausted action: %w", err)
		}
		s.logger.Error().Stringer("action_id", action.ID).Err(cause).
			Int("attempts", action.Attempts).
			Msg("action failed terminally")
		return nil
	}

	retryAt := action.NextBackoff(s.now())
	action.Status = models.ActionQueued
	action.NextRetryAt = &retryAt
	if err := s.actions.Transition(ctx, action, models.ActionProcessing); err != nil {
		return fmt.Errorf("failed to requeue action: %w", err)
	}
	s.logger.Debug().Stringer("action_id", action.ID).Err(cause).
		Time("next_retry_at", retryAt).
		Msg("action submission failed, will retry")
	return nil
}

// Cancel withdraws an action that has not started submitting. An action
// already in flight must be allowed to resolve first.
func (s *QueueService) Cancel(ctx context.Context, id uuid.UUID) error {
	action, err := s.actions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if action.Status != models.ActionQueued {
		return ErrNotCancellable
	}

	action.Status = models.ActionCancelled
	err = s.actions.Transition(ctx, action, models.ActionQueued)
	if errors.Is(err, repositories.ErrStaleStatus) {
		return ErrNotCancellable
	}
	if err != nil {
		return fmt.Errorf("failed to cancel action: %w", err)
	}
	return nil
}

// PurgeTerminal removes completed, failed and cancelled actions.
func (s *QueueService) PurgeTerminal(ctx context.Context) (int, error) {
	return s.actions.PurgeTerminal(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
