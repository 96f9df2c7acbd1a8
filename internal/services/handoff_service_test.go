package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/neonpro/continuity/internal/repositories"
	"github.com/neonpro/continuity/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandoffFixture(t *testing.T) (*HandoffService, *time.Time) {
	t.Helper()
	svc := NewHandoffService(repositories.NewMemoryTokenRepository(), HandoffConfig{
		Secret:  "test-signing-secret",
		SealKey: bytes.Repeat([]byte{0x42}, utils.KeyLength),
		Origin:  "https://clinic.example.com",
	}, zerolog.Nop())

	current := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return current }
	return svc, &current
}

func TestHandoffService_IssueAndRedeem(t *testing.T) {
	svc, _ := newHandoffFixture(t)
	ctx := context.Background()

	snapshot := []byte(`{"route":"/patients/42","form":{"notes":"draft"}}`)
	issued, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          snapshot,
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Contains(t, issued.Code, "https://clinic.example.com/handoff?token=")

	result, err := svc.Redeem(ctx, issued.Token, "device-mobile")
	require.NoError(t, err)
	assert.Equal(t, "session-1", result.SessionID)
	assert.Equal(t, snapshot, result.Snapshot)
	assert.Equal(t, "device-desktop", result.IssuerFingerprint)
}

func TestHandoffService_Issue_RequiresFingerprint(t *testing.T) {
	svc, _ := newHandoffFixture(t)

	_, err := svc.Issue(context.Background(), IssueRequest{SessionID: "session-1"})
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestHandoffService_Redeem_SingleUse(t *testing.T) {
	svc, _ := newHandoffFixture(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token, "device-mobile")
	require.NoError(t, err)

	// Second redemption, even from another device, is refused.
	_, err = svc.Redeem(ctx, issued.Token, "device-tablet")
	assert.ErrorIs(t, err, ErrTokenAlreadyRedeemed)
}

func TestHandoffService_Redeem_ExpiredToken(t *testing.T) {
	svc, current := newHandoffFixture(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)
	assert.Equal(t, current.Add(5*time.Minute), issued.ExpiresAt, "default TTL is five minutes")

	*current = current.Add(5*time.Minute + time.Second)

	_, err = svc.Redeem(ctx, issued.Token, "device-mobile")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestHandoffService_Redeem_IssuerCannotRedeemOwnToken(t *testing.T) {
	svc, _ := newHandoffFixture(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token, "device-desktop")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// The failed attempt does not burn the token.
	_, err = svc.Redeem(ctx, issued.Token, "device-mobile")
	assert.NoError(t, err)
}

func TestHandoffService_Redeem_RejectsForgedToken(t *testing.T) {
	svc, _ := newHandoffFixture(t)
	ctx := context.Background()

	_, err := svc.Redeem(ctx, "not-a-token", "device-mobile")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// A token signed under a different secret verifies nowhere.
	other := NewHandoffService(repositories.NewMemoryTokenRepository(), HandoffConfig{
		Secret:  "a-different-secret",
		SealKey: bytes.Repeat([]byte{0x42}, utils.KeyLength),
		Origin:  "https://clinic.example.com",
	}, zerolog.Nop())
	forged, err := other.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, forged.Token, "device-mobile")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

// Reissuing for the same session mints an independent token; redeeming one
// leaves the other untouched.
func TestHandoffService_Reissue_IsIndependent(t *testing.T) {
	svc, _ := newHandoffFixture(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{"version":1}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)
	second, err := svc.Issue(ctx, IssueRequest{
		SessionID:         "session-1",
		Snapshot:          []byte(`{"version":2}`),
		IssuerFingerprint: "device-desktop",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	result, err := svc.Redeem(ctx, second.Token, "device-mobile")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":2}`), result.Snapshot)

	result, err = svc.Redeem(ctx, first.Token, "device-tablet")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), result.Snapshot)
}
