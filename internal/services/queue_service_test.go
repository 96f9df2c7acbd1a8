package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActionRepo(t *testing.T) repositories.ActionRepository {
	t.Helper()
	store, err := database.OpenLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return repositories.NewSQLiteActionRepository(store)
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []uuid.UUID
	respond func(action *models.QueuedAction) (*ApplyOutcome, error)
}

func (f *fakeApplier) Apply(ctx context.Context, actorID string, action *models.QueuedAction) (*ApplyOutcome, error) {
	f.mu.Lock()
	f.applied = append(f.applied, action.ID)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &ApplyOutcome{NewVersion: action.BaseVersion + 1}, nil
	}
	return respond(action)
}

func (f *fakeApplier) order() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.applied...)
}

type fakeConflictSink struct {
	mu       sync.Mutex
	recorded []*models.ConflictSignal
	err      error
}

func (f *fakeConflictSink) Record(ctx context.Context, action *models.QueuedAction, signal *models.ConflictSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, signal)
	return nil
}

func newTestQueue(t *testing.T, applier RemoteApplier, sink ConflictSink, cfg QueueConfig) *QueueService {
	t.Helper()
	svc := NewQueueService(newTestActionRepo(t), applier, sink, cfg, zerolog.Nop())
	svc.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return svc
}

func onlineQuality(q models.LinkQuality) models.NetworkQuality {
	return models.NetworkQuality{Connectivity: models.ConnOnline, Quality: q}
}

func TestQueueService_Enqueue_AppliesDefaults(t *testing.T) {
	svc := newTestQueue(t, &fakeApplier{}, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type:       models.ActionUpdate,
		EntityType: models.EntityAppointment,
		EntityID:   "appt-1",
		Payload:    []byte(`{}`),
		Priority:   models.PriorityMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionQueued, action.Status)
	assert.Equal(t, 5, action.MaxAttempts)
	assert.Equal(t, time.Second, action.BaseRetryDelay)

	stored, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, action.ID, stored.ID)
}

func TestQueueService_Enqueue_QueueFull(t *testing.T) {
	svc := newTestQueue(t, &fakeApplier{}, &fakeConflictSink{}, QueueConfig{ActorID: "device-a", MaxQueueSize: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Enqueue(ctx, EnqueueRequest{
			Type:       models.ActionUpdate,
			EntityType: models.EntityFormData,
			EntityID:   fmt.Sprintf("form-%d", i),
			Priority:   models.PriorityLow,
		})
		require.NoError(t, err)
	}

	_, err := svc.Enqueue(ctx, EnqueueRequest{
		Type:       models.ActionUpdate,
		EntityType: models.EntityFormData,
		EntityID:   "form-overflow",
		Priority:   models.PriorityLow,
	})
	assert.ErrorIs(t, err, ErrQueueFull)

	depth, err := svc.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestQueueService_Flush_OfflineIsNoop(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{
		Type:       models.ActionUpdate,
		EntityType: models.EntityAppointment,
		EntityID:   "appt-1",
		Priority:   models.PriorityHigh,
	})
	require.NoError(t, err)

	offline := models.NetworkQuality{Connectivity: models.ConnOffline, Quality: models.LinkPoor}
	require.NoError(t, svc.Flush(ctx, offline))
	assert.Empty(t, applier.order())
}

// On a poor link the batch size is 1, so submissions are strictly sequential
// and the emergency-then-priority-then-age order is observable end to end.
func TestQueueService_Flush_SubmitsInPriorityOrder(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityFormData,
		EntityID: "form-1", Priority: models.PriorityLow,
	})
	require.NoError(t, err)
	high, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityTreatment,
		EntityID: "treat-1", Priority: models.PriorityHigh,
	})
	require.NoError(t, err)
	critical, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityMedication,
		EntityID: "med-1", Priority: models.PriorityCritical,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkPoor)))

	assert.Equal(t, []uuid.UUID{critical.ID, high.ID, low.ID}, applier.order())

	for _, id := range []uuid.UUID{critical.ID, high.ID, low.ID} {
		action, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCompleted, action.Status)
		assert.Equal(t, 1, action.Attempts)
	}
}

func TestQueueService_Flush_PoorLinkCoolsDownBetweenBatches(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})

	var slept []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, EnqueueRequest{
			Type: models.ActionUpdate, EntityType: models.EntityFormData,
			EntityID: fmt.Sprintf("form-%d", i), Priority: models.PriorityLow,
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkPoor)))

	// Three single-action batches, a cooldown after each non-final one.
	assert.Len(t, applier.order(), 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, slept)
}

func TestQueueService_Flush_GoodLinkSkipsCooldown(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})

	var slept []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := svc.Enqueue(ctx, EnqueueRequest{
			Type: models.ActionUpdate, EntityType: models.EntityFormData,
			EntityID: fmt.Sprintf("form-%d", i), Priority: models.PriorityLow,
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkGood)))
	assert.Len(t, applier.order(), 4)
	assert.Empty(t, slept, "cooldowns are a poor-link measure")
}

func TestQueueService_Flush_TransientFailureSchedulesBackoff(t *testing.T) {
	applier := &fakeApplier{
		respond: func(*models.QueuedAction) (*ApplyOutcome, error) {
			return nil, errors.New("connection reset")
		},
	}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})

	flushedAt := time.Now().Truncate(time.Millisecond)
	svc.now = func() time.Time { return flushedAt }

	ctx := context.Background()
	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection reset", got.LastError)
	require.NotNil(t, got.NextRetryAt)
	// One attempt made: base delay doubled once.
	assert.Equal(t, flushedAt.Add(2*time.Second).UnixMilli(), got.NextRetryAt.UnixMilli())

	// Not due again until the backoff elapses.
	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))
	assert.Len(t, applier.order(), 1)
}

func TestQueueService_Flush_ExhaustedAttemptsFailTerminally(t *testing.T) {
	applier := &fakeApplier{
		respond: func(*models.QueuedAction) (*ApplyOutcome, error) {
			return nil, errors.New("gateway unreachable")
		},
	}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{
		ActorID:     "device-a",
		MaxAttempts: 2,
	})

	// Step the clock far enough between flushes that every backoff elapses.
	current := time.Now()
	svc.now = func() time.Time { return current }

	ctx := context.Background()
	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))
	current = current.Add(time.Hour)
	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Len(t, applier.order(), 2)

	// Terminal actions are never flushed again.
	current = current.Add(time.Hour)
	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))
	assert.Len(t, applier.order(), 2)
}

func TestQueueService_Flush_RemoteRejectionIsNotRetried(t *testing.T) {
	applier := &fakeApplier{
		respond: func(*models.QueuedAction) (*ApplyOutcome, error) {
			return nil, fmt.Errorf("%w: schema validation failed", ErrRemoteRejected)
		},
	}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
}

func TestQueueService_Flush_ConflictParksAction(t *testing.T) {
	signal := &models.ConflictSignal{
		Type:          models.ConflictConcurrentEdit,
		RemoteVersion: 4,
		RemoteValue:   []byte(`{"status":"cancelled"}`),
	}
	applier := &fakeApplier{
		respond: func(*models.QueuedAction) (*ApplyOutcome, error) {
			return &ApplyOutcome{Conflict: signal}, nil
		},
	}
	sink := &fakeConflictSink{}
	svc := newTestQueue(t, applier, sink, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	require.Len(t, sink.recorded, 1)
	assert.Equal(t, signal, sink.recorded[0])

	// Parked: out of the flush selector's reach, still occupying capacity.
	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionProcessing, got.Status)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))
	assert.Len(t, applier.order(), 1, "parked action must not be resubmitted")

	depth, err := svc.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueueService_Flush_UnrecordableConflictFallsBackToRetry(t *testing.T) {
	applier := &fakeApplier{
		respond: func(*models.QueuedAction) (*ApplyOutcome, error) {
			return &ApplyOutcome{Conflict: &models.ConflictSignal{Type: models.ConflictConcurrentEdit}}, nil
		},
	}
	sink := &fakeConflictSink{err: errors.New("conflict store unavailable")}
	svc := newTestQueue(t, applier, sink, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionQueued, got.Status, "action must not be stranded in processing")
	require.NotNil(t, got.NextRetryAt)
}

// A second Flush arriving while one is running returns immediately instead
// of double-submitting.
func TestQueueService_Flush_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	applier := &fakeApplier{
		respond: func(action *models.QueuedAction) (*ApplyOutcome, error) {
			close(started)
			<-release
			return &ApplyOutcome{NewVersion: action.BaseVersion + 1}, nil
		},
	}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Flush(ctx, onlineQuality(models.LinkExcellent)) }()
	<-started

	// The overlapping call yields without touching the applier.
	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))
	assert.Len(t, applier.order(), 1)

	close(release)
	require.NoError(t, <-done)
}

func TestQueueService_Cancel(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	action, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, action.ID))

	got, err := svc.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCancelled, got.Status)

	// Already terminal: nothing left to cancel.
	assert.ErrorIs(t, svc.Cancel(ctx, action.ID), ErrNotCancellable)
	assert.ErrorIs(t, svc.Cancel(ctx, uuid.New()), repositories.ErrNotFound)
}

func TestQueueService_PurgeTerminal(t *testing.T) {
	applier := &fakeApplier{}
	svc := newTestQueue(t, applier, &fakeConflictSink{}, QueueConfig{ActorID: "device-a"})
	ctx := context.Background()

	delivered, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-1", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)
	waiting, err := svc.Enqueue(ctx, EnqueueRequest{
		Type: models.ActionUpdate, EntityType: models.EntityAppointment,
		EntityID: "appt-2", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	// Deliver the first, then withdraw the second from the purge's reach.
	require.NoError(t, svc.Cancel(ctx, waiting.ID))
	require.NoError(t, svc.Flush(ctx, onlineQuality(models.LinkExcellent)))

	purged, err := svc.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = svc.Get(ctx, delivered.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
