package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neonpro/continuity/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	handoffTokenPrefix    = "handoff:token:"
	handoffRedeemedPrefix = "handoff:redeemed:"
)

// RedisTokenRepository stores handoff token records with the token's TTL, so
// expired records vanish on their own. Single use is enforced by an atomic
// SETNX redemption marker that outlives the token record slightly, closing
// the window where a second redemption could race the expiry.
type RedisTokenRepository struct {
	client *redis.Client
}

func NewRedisTokenRepository(client *redis.Client) *RedisTokenRepository {
	return &RedisTokenRepository{client: client}
}

func (r *RedisTokenRepository) Save(ctx context.Context, token *models.HandoffToken, ttl time.Duration) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := handoffTokenPrefix + token.Nonce
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (r *RedisTokenRepository) Get(ctx context.Context, nonce string) (*models.HandoffToken, error) {
	data, err := r.client.Get(ctx, handoffTokenPrefix+nonce).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token models.HandoffToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

func (r *RedisTokenRepository) Redeem(ctx context.Context, nonce, targetFingerprint string, at time.Time) error {
	marker, err := json.Marshal(map[string]any{
		"redeemed_by": targetFingerprint,
		"redeemed_at": at,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal redemption marker: %w", err)
	}

	// Marker TTL exceeds the token TTL so "already redeemed" stays
	// distinguishable from "expired" for the token's whole lifetime.
	ok, err := r.client.SetNX(ctx, handoffRedeemedPrefix+nonce, marker, 15*time.Minute).Result()
	if err != nil {
		return fmt.Errorf("failed to record redemption: %w", err)
	}
	if !ok {
		return ErrTokenAlreadyRedeemed
	}
	return nil
}
