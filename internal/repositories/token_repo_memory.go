package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/neonpro/continuity/internal/models"
)

// MemoryTokenRepository mirrors the redis token store for tests. Expiry is
// checked lazily against the stored deadline instead of a TTL reaper.
type MemoryTokenRepository struct {
	mu       sync.Mutex
	tokens   map[string]*models.HandoffToken
	expiries map[string]time.Time
	redeemed map[string]string
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{
		tokens:   make(map[string]*models.HandoffToken),
		expiries: make(map[string]time.Time),
		redeemed: make(map[string]string),
	}
}

func (r *MemoryTokenRepository) Save(ctx context.Context, token *models.HandoffToken, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *token
	r.tokens[token.Nonce] = &copied
	r.expiries[token.Nonce] = time.Now().Add(ttl)
	return nil
}

func (r *MemoryTokenRepository) Get(ctx context.Context, nonce string) (*models.HandoffToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[nonce]
	if !ok || time.Now().After(r.expiries[nonce]) {
		return nil, ErrNotFound
	}
	copied := *token
	return &copied, nil
}

func (r *MemoryTokenRepository) Redeem(ctx context.Context, nonce, targetFingerprint string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.redeemed[nonce]; ok {
		return ErrTokenAlreadyRedeemed
	}
	r.redeemed[nonce] = targetFingerprint

	if token, ok := r.tokens[nonce]; ok {
		token.RedeemedAt = &at
		token.RedeemedBy = targetFingerprint
	}
	return nil
}
