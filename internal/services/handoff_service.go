package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/neonpro/continuity/internal/utils"
	"github.com/rs/zerolog"
)

var (
	ErrTokenExpired         = errors.New("handoff token expired")
	ErrTokenInvalid         = errors.New("handoff token invalid")
	ErrTokenAlreadyRedeemed = errors.New("handoff token already redeemed")
)

type HandoffConfig struct {
	// Secret signs the token envelope.
	Secret string
	// SealKey encrypts session snapshots. Must be utils.KeyLength bytes.
	SealKey []byte
	// Origin is the base URL encoded into presentable handoff codes.
	Origin     string
	DefaultTTL time.Duration
}

func (c *HandoffConfig) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
}

// HandoffService issues and redeems the short-lived, device-bound tokens
// that move a live session from one device to another. It owns token state
// exclusively; nothing else touches the token store.
type HandoffService struct {
	cfg    HandoffConfig
	tokens repositories.TokenRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandoffService(tokens repositories.TokenRepository, cfg HandoffConfig, logger zerolog.Logger) *HandoffService {
	cfg.applyDefaults()
	return &HandoffService{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With().Str("component", "handoff").Logger(),
		now:    time.Now,
	}
}

type IssueRequest struct {
	SessionID         string
	Snapshot          []byte
	IssuerFingerprint string
	TTL               time.Duration
}

type IssueResult struct {
	Token     string    `json:"token"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue seals the session snapshot, persists a single-use token record and
// returns the signed token plus its presentable code. Reissuing is free:
// a fresh token never touches any previously issued one.
func (s *HandoffService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.IssuerFingerprint == "" {
		return nil, fmt.Errorf("%w: issuer fingerprint required", ErrTokenInvalid)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	now := s.now()
	nonce := uuid.New().String()
	expiresAt := now.Add(ttl)

	sealed, err := utils.Seal(s.cfg.SealKey, req.Snapshot, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session snapshot: %w", err)
	}

	record := &models.HandoffToken{
		Nonce:             nonce,
		SessionID:         req.SessionID,
		IssuerFingerprint: req.IssuerFingerprint,
		EncryptedPayload:  sealed,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
	}
	if err := s.tokens.Save(ctx, record, ttl); err != nil {
		return nil, fmt.Errorf("failed to persist handoff token: %w", err)
	}

	signed, err := s.signToken(nonce, req.SessionID, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign handoff token: %w", err)
	}

	s.logger.Info().
		Str("session_id", req.SessionID).
		Time("expires_at", expiresAt).
		Msg("handoff token issued")
	return &IssueResult{
		Token:     signed,
		Code:      s.HandoffURL(signed),
		ExpiresAt: expiresAt,
	}, nil
}

// HandoffURL renders the presentable code for a token, suitable for encoding
// into a scannable image.
func (s *HandoffService) HandoffURL(token string) string {
	return s.cfg.Origin + "/handoff?token=" + url.QueryEscape(token)
}

type RedeemResult struct {
	SessionID         string    `json:"session_id"`
	Snapshot          []byte    `json:"snapshot"`
	IssuerFingerprint string    `json:"issuer_fingerprint"`
	RedeemedAt        time.Time `json:"redeemed_at"`
}

// Redeem validates a token exactly once and releases the session snapshot to
// the target device. The issuing device's fingerprint comes back with the
// snapshot so the caller can mark that device stale.
func (s *HandoffService) Redeem(ctx context.Context, token, targetFingerprint string) (*RedeemResult, error) {
	if targetFingerprint == "" {
		return nil, fmt.Errorf("%w: target fingerprint required", ErrTokenInvalid)
	}

	nonce, err := s.verifyToken(token)
	if err != nil {
		return nil, err
	}

	record, err := s.tokens.Get(ctx, nonce)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff token: %w", err)
	}

	now := s.now()
	if now.After(record.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	// Device-bound: a handoff lands on a different device than the one that
	// issued it.
	if targetFingerprint == record.IssuerFingerprint {
		return nil, fmt.Errorf("%w: token cannot be redeemed by its issuing device", ErrTokenInvalid)
	}

	if err := s.tokens.Redeem(ctx, nonce, targetFingerprint, now); err != nil {
		if errors.Is(err, repositories.ErrTokenAlreadyRedeemed) {
			return nil, ErrTokenAlreadyRedeemed
		}
		return nil, fmt.Errorf("failed to redeem handoff token: %w", err)
	}

	snapshot, err := utils.Open(s.cfg.SealKey, record.EncryptedPayload, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot cannot be opened", ErrTokenInvalid)
	}

	s.logger.Info().
		Str("session_id", record.SessionID).
		Str("issuer", record.IssuerFingerprint).
		Msg("handoff token redeemed")
	return &RedeemResult{
		SessionID:         record.SessionID,
		Snapshot:          snapshot,
		IssuerFingerprint: record.IssuerFingerprint,
		RedeemedAt:        now,
	}, nil
}

func (s *HandoffService) signToken(nonce, sessionID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"jti": nonce,
		"sid": sessionID,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.Secret))
}

func (s *HandoffService) verifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))

	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrTokenExpired
	}
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}
	nonce, ok := claims["jti"].(string)
	if !ok || nonce == "" {
		return "", ErrTokenInvalid
	}
	return nonce, nil
}
