// Package client is the device side of the gateway protocol: it submits
// queued actions to the remote apply endpoint, commits conflict resolutions,
// and drives handoff token issuance and redemption.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/services"
	"github.com/rs/zerolog"
)

type Config struct {
	BaseURL string
	// DeviceType rides along on apply calls for conflict audit metadata.
	DeviceType string
	// RequestTimeout bounds every network call. Timeouts count as transient
	// failures for retry purposes.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Gateway talks HTTP to the sync gateway. It satisfies the queue's
// RemoteApplier and the conflict resolver's ResolutionCommitter.
type Gateway struct {
	cfg    Config
	httpc  *http.Client
	logger zerolog.Logger
}

func NewGateway(cfg Config, logger zerolog.Logger) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		cfg:    cfg,
		httpc:  &http.Client{},
		logger: logger.With().Str("component", "gateway_client").Logger(),
	}
}

type applyRequest struct {
	ActorID string               `json:"actor_id"`
	Action  services.ApplyAction `json:"action"`
}

// Apply submits one queued action. A 409 comes back as an ApplyOutcome
// carrying the conflict signal; other 4xx wrap ErrRemoteRejected; transport
// errors, timeouts and 5xx are returned as plain (transient) errors.
func (g *Gateway) Apply(ctx context.Context, actorID string, action *models.QueuedAction) (*services.ApplyOutcome, error) {
	req := applyRequest{
		ActorID: actorID,
		Action: services.ApplyAction{
			Type:        action.Type,
			EntityType:  action.EntityType,
			EntityID:    action.EntityID,
			Data:        action.Payload,
			BaseVersion: action.BaseVersion,
			DeviceType:  g.cfg.DeviceType,
			WrittenAt:   action.CreatedAt,
		},
	}

	var result services.ApplyResult
	status, err := g.post(ctx, "/v1/apply", req, &result)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		return &services.ApplyOutcome{NewVersion: result.NewVersion}, nil
	case status == http.StatusConflict && result.Conflict != nil:
		return &services.ApplyOutcome{Conflict: result.Conflict}, nil
	case status >= 400 && status < 500:
		return nil, fmt.Errorf("%w: status %d", services.ErrRemoteRejected, status)
	default:
		return nil, fmt.Errorf("apply returned status %d", status)
	}
}

// CommitResolution lands a resolved value at the authority, based on the
// version the conflict was detected against. Losing another race here fails
// the resolution; the resolver keeps the conflict visible for retry.
func (g *Gateway) CommitResolution(ctx context.Context, conflict *models.ConflictRecord, winning []byte) (int64, error) {
	req := applyRequest{
		ActorID: conflict.Local.DeviceID,
		Action: services.ApplyAction{
			Type:        models.ActionUpdate,
			EntityType:  conflict.EntityType,
			EntityID:    conflict.EntityID,
			Data:        winning,
			BaseVersion: conflict.RemoteVersion,
			FieldName:   conflict.FieldName,
			DeviceType:  g.cfg.DeviceType,
			WrittenAt:   time.Now(),
		},
	}

	var result services.ApplyResult
	status, err := g.post(ctx, "/v1/apply", req, &result)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("resolution commit returned status %d", status)
	}
	return result.NewVersion, nil
}

type issueRequest struct {
	SessionID         string `json:"session_id"`
	SessionSnapshot   []byte `json:"session_snapshot"`
	DeviceFingerprint string `json:"device_fingerprint"`
	TTLMinutes        int    `json:"ttl_minutes"`
}

// IssueHandoff requests a fresh handoff token for the current session.
func (g *Gateway) IssueHandoff(ctx context.Context, sessionID string, snapshot []byte, fingerprint string, ttl time.Duration) (*services.IssueResult, error) {
	req := issueRequest{
		SessionID:         sessionID,
		SessionSnapshot:   snapshot,
		DeviceFingerprint: fingerprint,
		TTLMinutes:        int(ttl / time.Minute),
	}

	var result services.IssueResult
	status, err := g.post(ctx, "/v1/handoff/tokens", req, &result)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("handoff issue returned status %d", status)
	}
	return &result, nil
}

type redeemRequest struct {
	Token                   string `json:"token"`
	TargetDeviceFingerprint string `json:"target_device_fingerprint"`
}

type redeemFailure struct {
	Error string `json:"error"`
}

// RedeemHandoff redeems a scanned token on this device, mapping the
// gateway's structured failures back onto the service sentinels.
func (g *Gateway) RedeemHandoff(ctx context.Context, token, fingerprint string) (*services.RedeemResult, error) {
	req := redeemRequest{Token: token, TargetDeviceFingerprint: fingerprint}

	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	body, status, err := g.doPost(reqCtx, "/v1/handoff/redeem", req)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var failure redeemFailure
		_ = json.Unmarshal(body, &failure)
		switch failure.Error {
		case "expired":
			return nil, services.ErrTokenExpired
		case "already_redeemed":
			return nil, services.ErrTokenAlreadyRedeemed
		default:
			return nil, services.ErrTokenInvalid
		}
	}

	var result services.RedeemResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode redeem response: %w", err)
	}
	return &result, nil
}

func (g *Gateway) post(ctx context.Context, path string, payload, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	body, status, err := g.doPost(reqCtx, path, payload)
	if err != nil {
		return 0, err
	}
	if out != nil && len(body) > 0 {
		// Error bodies may not match the success shape; callers decide by
		// status, so decode failures on non-2xx are not fatal.
		if err := json.Unmarshal(body, out); err != nil && status < 300 {
			return 0, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return status, nil
}

func (g *Gateway) doPost(ctx context.Context, path string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
