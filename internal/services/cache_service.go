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

// ErrCacheCapacityViolation means compaction could not satisfy the ceilings
// without evicting critical clinical entries. That is a capacity-planning
// problem, not a license to drop clinical data, so the entries stay and the
// violation is surfaced.
var ErrCacheCapacityViolation = errors.New("cache ceilings cannot be met without evicting critical entries")

type CacheConfig struct {
	MaxBytes   int64
	MaxEntries int
}

func (c *CacheConfig) applyDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 << 20 // 50 MiB
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 200
	}
}

// CacheService keeps a size- and count-bounded local mirror of patient
// records, preferring clinical priority over recency when space runs out.
type CacheService struct {
	cfg    CacheConfig
	store  repositories.CacheRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewCacheService(store repositories.CacheRepository, cfg CacheConfig, logger zerolog.Logger) *CacheService {
	cfg.applyDefaults()
	return &CacheService{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "patient_cache").Logger(),
		now:    time.Now,
	}
}

// Admit inserts or refreshes a patient snapshot, then compacts if either
// ceiling is exceeded. The admitted entry itself is never the one evicted
// unless it ranks lowest.
func (s *CacheService) Admit(ctx context.Context, id string, data []byte, priority models.CachePriority) error {
	now := s.now()
	entry := &models.PatientCacheEntry{
		ID:             id,
		Data:           data,
		SizeBytes:      int64(len(data)),
		Priority:       priority,
		LastAccessedAt: now,
		LastModifiedAt: now,
	}

	if err := s.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("failed to admit cache entry: %w", err)
	}

	size, count, err := s.store.Totals(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache totals: %w", err)
	}
	if size > s.cfg.MaxBytes || count > s.cfg.MaxEntries {
		return s.Compact(ctx)
	}
	return nil
}

// Compact evicts entries lowest clinical priority first, least recently
// accessed first within a priority, until both ceilings hold. Critical
// entries are never evicted; if only critical entries remain and a ceiling
// is still exceeded, ErrCacheCapacityViolation is returned.
func (s *CacheService) Compact(ctx context.Context) error {
	size, count, err := s.store.Totals(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache totals: %w", err)
	}
	if size <= s.cfg.MaxBytes && count <= s.cfg.MaxEntries {
		return nil
	}

	candidates, err := s.store.EvictionOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to rank eviction candidates: %w", err)
	}

	evicted := 0
	for _, entry := range candidates {
		if size <= s.cfg.MaxBytes && count <= s.cfg.MaxEntries {
			break
		}
		if entry.Priority == models.CacheCritical {
			s.logger.Error().
				Int64("size_bytes", size).
				Int("count", count).
				Msg("cache over ceiling with only critical entries left")
			return ErrCacheCapacityViolation
		}

		if err := s.store.Delete(ctx, entry.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}
		size -= entry.SizeBytes
		count--
		evicted++
	}

	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("cache compacted")
	}
	return nil
}

// Lookup returns a cached snapshot and refreshes its recency. The read path
// never triggers eviction.
func (s *CacheService) Lookup(ctx context.Context, id string) (*models.PatientCacheEntry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	at := s.now()
	if err := s.store.Touch(ctx, id, at); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		// Recency bookkeeping must not fail the read.
		s.logger.Warn().Str("patient_id", id).Err(err).Msg("failed to touch cache entry")
	}
	entry.LastAccessedAt = at
	return entry, nil
}

// Clear empties the cache, for session termination or consent withdrawal.
func (s *CacheService) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear patient cache: %w", err)
	}
	s.logger.Info().Msg("patient cache cleared")
	return nil
}

// Totals reports current occupancy for status surfaces.
func (s *CacheService) Totals(ctx context.Context) (int64, int, error) {
	return s.store.Totals(ctx)
}
