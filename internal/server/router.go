package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/neonpro/continuity/internal/services"
	"github.com/rs/zerolog"
)

// Router exposes the sync gateway: the remote apply endpoint and the handoff
// token endpoints the device engines call.
type Router struct {
	apply   *services.ApplyService
	handoff *services.HandoffService
	logger  zerolog.Logger
}

func NewRouter(apply *services.ApplyService, handoff *services.HandoffService, logger zerolog.Logger) *Router {
	return &Router{
		apply:   apply,
		handoff: handoff,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Post("/v1/apply", rt.handleApply)
	r.Post("/v1/handoff/tokens", rt.handleIssue)
	r.Post("/v1/handoff/redeem", rt.handleRedeem)

	return r
}

type applyRequest struct {
	ActorID string               `json:"actor_id"`
	Action  services.ApplyAction `json:"action"`
}

func (rt *Router) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}

	result, err := rt.apply.Apply(r.Context(), req.ActorID, req.Action)
	if errors.Is(err, services.ErrInvalidAction) {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	if err != nil {
		rt.logger.Error().Err(err).Msg("apply failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	// Conflicts are a negotiated outcome, not a server fault: the structured
	// payload rides a 409 so devices can tell them from transport failures.
	status := http.StatusOK
	if result.Conflict != nil {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

type issueRequest struct {
	SessionID         string `json:"session_id"`
	SessionSnapshot   []byte `json:"session_snapshot"`
	DeviceFingerprint string `json:"device_fingerprint"`
	TTLMinutes        int    `json:"ttl_minutes"`
}

func (rt *Router) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}

	result, err := rt.handoff.Issue(r.Context(), services.IssueRequest{
		SessionID:         req.SessionID,
		Snapshot:          req.SessionSnapshot,
		IssuerFingerprint: req.DeviceFingerprint,
		TTL:               time.Duration(req.TTLMinutes) * time.Minute,
	})
	if errors.Is(err, services.ErrTokenInvalid) {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	if err != nil {
		rt.logger.Error().Err(err).Msg("handoff issue failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type redeemRequest struct {
	Token                   string `json:"token"`
	TargetDeviceFingerprint string `json:"target_device_fingerprint"`
}

func (rt *Router) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}

	result, err := rt.handoff.Redeem(r.Context(), req.Token, req.TargetDeviceFingerprint)
	switch {
	case errors.Is(err, services.ErrTokenExpired):
		writeError(w, http.StatusGone, "expired")
		return
	case errors.Is(err, services.ErrTokenAlreadyRedeemed):
		writeError(w, http.StatusConflict, "already_redeemed")
		return
	case errors.Is(err, services.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid")
		return
	case err != nil:
		rt.logger.Error().Err(err).Msg("handoff redeem failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
