package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"cast-and-keep/server/internal/autofish"
	"cast-and-keep/server/internal/recovery"
	"cast-and-keep/server/internal/reward"
	"cast-and-keep/server/internal/session"
)

// Authenticator resolves the opaque bearer token on each request.
type Authenticator interface {
	PlayerID(token string) (string, error)
}

// Handler serves the request/response RPC surface of the engine.
type Handler struct {
	manager  *session.Manager
	runner   *autofish.Runner
	recovery *recovery.Store
	rank     reward.RankProvider
	auth     Authenticator
	logger   zerolog.Logger
}

func NewHandler(manager *session.Manager, runner *autofish.Runner, recoveryStore *recovery.Store, rank reward.RankProvider, auth Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		runner:   runner,
		recovery: recoveryStore,
		rank:     rank,
		auth:     auth,
		logger:   logger,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps the engine taxonomy onto transport status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, session.ErrSessionInProgress):
		status, code = http.StatusConflict, "session_in_progress"
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrQuotaExceeded):
		status, code = http.StatusForbidden, "quota_exceeded"
	default:
		h.logger.Error().Err(err).Msg("request failed")
		status, code = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, status, errorResponse{Error: code, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// playerID authenticates the request; an empty return means the response was
// already written.
func (h *Handler) playerID(w http.ResponseWriter, r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing_token"})
		return ""
	}
	playerID, err := h.auth.PlayerID(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_token"})
		return ""
	}
	return playerID
}

type castRequest struct {
	Area string `json:"area"`
}

type castResponse struct {
	SessionID     string `json:"sessionId"`
	WaitTimeMS    int64  `json:"waitTimeMs"`
	MissTimeoutMS int64  `json:"missTimeoutMs"`
	DailyUsed     int    `json:"dailyCastsUsed"`
}

// Cast handles POST /api/cast.
func (h *Handler) Cast(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}

	var req castRequest
	if r.Body != nil {
		// An empty body is a cast in the default area.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	receipt, err := h.manager.Cast(r.Context(), playerID, req.Area)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, castResponse{
		SessionID:     receipt.SessionID,
		WaitTimeMS:    receipt.WaitTime.Milliseconds(),
		MissTimeoutMS: receipt.MissTimeout.Milliseconds(),
		DailyUsed:     receipt.DailyUsed,
	})
}

type catchRequest struct {
	SessionID  string `json:"sessionId"`
	ReactionMS int64  `json:"reactionMs,omitempty"`
}

// Catch handles POST /api/catch. Idempotent per session id: a duplicate call
// replays the stored result.
func (h *Handler) Catch(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}

	var req catchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Detail: "sessionId is required"})
		return
	}

	resp, err := h.manager.Resolve(r.Context(), req.SessionID, req.ReactionMS)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if resp.Result.PlayerID != playerID {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pity handles GET /api/pity.
func (h *Handler) Pity(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pityInfo": h.manager.PityInfo(playerID)})
}

// Quota handles GET /api/quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}
	stats, err := h.manager.Daily(r.Context(), playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Rank handles GET /api/rank.
func (h *Handler) Rank(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}
	rank, err := h.rank.Rank(r.Context(), playerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rank)
}

type autofishRequest struct {
	Enabled bool   `json:"enabled"`
	Area    string `json:"area"`
}

// Autofish handles POST /api/autofish, toggling the player's loop.
func (h *Handler) Autofish(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}

	var req autofishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}

	if req.Enabled {
		h.runner.Enable(playerID, req.Area)
	} else {
		h.runner.Disable(playerID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.runner.Enabled(playerID)})
}

// Recovery handles GET /api/recovery: markers a reconnecting client should
// act on. Stale markers are cleared server-side and never reported.
func (h *Handler) Recovery(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}
	notices, err := h.recovery.Notices(playerID, r.URL.Query().Get("area"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if notices == nil {
		notices = []recovery.Notice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

type viewedRequest struct {
	SessionID string `json:"sessionId"`
}

// RecoveryViewed handles POST /api/recovery/viewed: the client finished the
// reveal, so the unviewed-result marker can go.
func (h *Handler) RecoveryViewed(w http.ResponseWriter, r *http.Request) {
	playerID := h.playerID(w, r)
	if playerID == "" {
		return
	}

	var req viewedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Detail: "sessionId is required"})
		return
	}
	if err := h.recovery.ClearUnviewedResult(playerID, req.SessionID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
