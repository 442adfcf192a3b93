package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/dispatch"
	"github.com/DoyleJ11/lobby-presence/internal/engine"
	"github.com/DoyleJ11/lobby-presence/internal/hub"
	"github.com/DoyleJ11/lobby-presence/internal/lobby"
)

type joinRequest struct {
	PlayerName      string `json:"player_name"`
	CustomLobbyName string `json:"custom_lobby_name,omitempty"`
	AccountID       string `json:"account_id,omitempty"`
}

type commandRequest struct {
	GameID         string `json:"game_id,omitempty"`
	TargetPlayerID string `json:"target_player_id,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type api struct {
	hub *hub.Hub
	log *zap.Logger
}

func (a *api) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	id := continuity.Record{
		RoomCode:        chi.URLParam(r, "code"),
		IdentityName:    req.PlayerName,
		CustomLobbyName: req.CustomLobbyName,
		AccountID:       req.AccountID,
	}
	lb, err := a.hub.Join(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	v, err := lb.State(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v.Public())
}

func (a *api) view(w http.ResponseWriter, r *http.Request) {
	lb, ok := a.lobby(w, r)
	if !ok {
		return
	}
	v, err := lb.State(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.Public())
}

func (a *api) command(w http.ResponseWriter, r *http.Request) {
	lb, ok := a.lobby(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	cmd := engine.Command{
		Type:     engine.CommandType(chi.URLParam(r, "cmd")),
		GameID:   req.GameID,
		TargetID: req.TargetPlayerID,
	}
	if !cmd.Type.HostOnly() || cmd.Type == engine.CmdUpdateStatus {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	if err := lb.Do(r.Context(), cmd); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) leave(w http.ResponseWriter, r *http.Request) {
	lb, ok := a.lobby(w, r)
	if !ok {
		return
	}
	if err := lb.Leave(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unload(w http.ResponseWriter, r *http.Request) {
	lb, ok := a.lobby(w, r)
	if !ok {
		return
	}
	if err := lb.Unload(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) retry(w http.ResponseWriter, r *http.Request) {
	lb, ok := a.lobby(w, r)
	if !ok {
		return
	}
	if err := lb.Retry(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) rooms(w http.ResponseWriter, r *http.Request) {
	codes, err := a.hub.Codes(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Rooms []string `json:"rooms"`
	}{Rooms: codes})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *api) lobby(w http.ResponseWriter, r *http.Request) (*lobby.Lobby, bool) {
	lb, err := a.hub.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		a.fail(w, err)
		return nil, false
	}
	if lb == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	return lb, true
}

// fail maps lobby and dispatcher errors onto HTTP statuses.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrBadRoomCode), errors.Is(err, dispatch.ErrInvalidCommand),
		errors.Is(err, dispatch.ErrInvalidTarget):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, dispatch.ErrNotInRoom), errors.Is(err, lobby.ErrClosed):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrDebounced):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrStartInFlight), errors.Is(err, lobby.ErrBusy),
		errors.Is(err, lobby.ErrNothingToRetry):
		status = http.StatusConflict
	case errors.Is(err, hub.ErrHubClosed):
		status = http.StatusServiceUnavailable
	default:
		a.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
