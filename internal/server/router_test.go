package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/neonpro/continuity/internal/services"
	"github.com/neonpro/continuity/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	apply := services.NewApplyService(repositories.NewMemoryRecordRepository(), zerolog.Nop())
	handoff := services.NewHandoffService(repositories.NewMemoryTokenRepository(), services.HandoffConfig{
		Secret:  "test-secret",
		SealKey: bytes.Repeat([]byte{0x07}, utils.KeyLength),
		Origin:  "https://clinic.example.com",
	}, zerolog.Nop())

	srv := httptest.NewServer(NewRouter(apply, handoff, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_Apply_CreateThenConflict(t *testing.T) {
	srv := newTestServer(t)

	create := map[string]any{
		"actor_id": "device-a",
		"action": map[string]any{
			"type":        "create",
			"entity_type": "appointment",
			"entity_id":   "appt-1",
			"data":        []byte(`{"status":"scheduled"}`),
		},
	}
	resp := postJSON(t, srv.URL+"/v1/apply", create)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody[services.ApplyResult](t, resp)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(1), result.NewVersion)

	// Same create again: conflict rides a 409 with a structured body.
	resp = postJSON(t, srv.URL+"/v1/apply", create)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	conflicted := decodeBody[services.ApplyResult](t, resp)
	assert.False(t, conflicted.Applied)
	require.NotNil(t, conflicted.Conflict)
	assert.Equal(t, models.ConflictCreateDuplicate, conflicted.Conflict.Type)
}

func TestRouter_Apply_InvalidRequest(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/apply", map[string]any{
		"actor_id": "",
		"action":   map[string]any{"type": "create"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_Handoff_IssueAndRedeem(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/handoff/tokens", map[string]any{
		"session_id":         "session-1",
		"session_snapshot":   []byte(`{"route":"/patients/42"}`),
		"device_fingerprint": "device-desktop",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issued := decodeBody[services.IssueResult](t, resp)
	require.NotEmpty(t, issued.Token)
	assert.Contains(t, issued.Code, "https://clinic.example.com/handoff?token=")

	resp = postJSON(t, srv.URL+"/v1/handoff/redeem", map[string]any{
		"token":                     issued.Token,
		"target_device_fingerprint": "device-mobile",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	redeemed := decodeBody[services.RedeemResult](t, resp)
	assert.Equal(t, "session-1", redeemed.SessionID)
	assert.Equal(t, []byte(`{"route":"/patients/42"}`), redeemed.Snapshot)
	assert.Equal(t, "device-desktop", redeemed.IssuerFingerprint)

	// Second redemption maps to 409 already_redeemed.
	resp = postJSON(t, srv.URL+"/v1/handoff/redeem", map[string]any{
		"token":                     issued.Token,
		"target_device_fingerprint": "device-tablet",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	failure := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "already_redeemed", failure["error"])
}

func TestRouter_Handoff_RedeemFailures(t *testing.T) {
	srv := newTestServer(t)

	// Garbage token maps to 401 invalid.
	resp := postJSON(t, srv.URL+"/v1/handoff/redeem", map[string]any{
		"token":                     "garbage",
		"target_device_fingerprint": "device-mobile",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Issuing device redeeming its own token is also invalid.
	resp = postJSON(t, srv.URL+"/v1/handoff/tokens", map[string]any{
		"session_id":         "session-1",
		"session_snapshot":   []byte(`{}`),
		"device_fingerprint": "device-desktop",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issued := decodeBody[services.IssueResult](t, resp)

	resp = postJSON(t, srv.URL+"/v1/handoff/redeem", map[string]any{
		"token":                     issued.Token,
		"target_device_fingerprint": "device-desktop",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_Handoff_IssueRequiresFingerprint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/handoff/tokens", map[string]any{
		"session_id":       "session-1",
		"session_snapshot": []byte(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
