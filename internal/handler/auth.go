package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
)

type AuthHandler struct {
	sessions Sessions
	chat     ChatService
}

func NewAuthHandler(sessions Sessions, chat ChatService) *AuthHandler {
	return &AuthHandler{sessions: sessions, chat: chat}
}

type authResponse struct {
	Status   string          `json:"status"`
	ChatInfo *model.ChatInfo `json:"chat_info,omitempty"`
}

// syncToken hands the current access token to the chat controller.
func (h *AuthHandler) syncToken(ctx context.Context) {
	tok, err := h.sessions.AccessToken(ctx)
	if err != nil {
		logger.Errorf("auth: read access token: %v", err)
		return
	}
	h.chat.SetAccessToken(tok)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.Credentials
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "id and password required")
		return
	}
	if err := h.sessions.Login(r.Context(), req); err != nil {
		writeDomainError(w, "auth.Login", err)
		return
	}
	h.syncToken(r.Context())
	writeJSON(w, http.StatusOK, authResponse{Status: "ok"})
}

// Auto restores the stored session and returns the last chat, if any.
func (h *AuthHandler) Auto(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.AutoLogin(r.Context()); err != nil {
		writeDomainError(w, "auth.Auto", err)
		return
	}
	h.syncToken(r.Context())
	resp := authResponse{Status: "ok"}
	info, err := h.chat.LoadChatInfo(r.Context())
	if err != nil {
		logger.Errorf("auth.Auto: load chat info: %v", err)
	} else if info.ChatType != "" {
		resp.ChatInfo = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout leaves the current room and forgets the stored session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if ph := h.chat.State().Phase; ph != chat.PhaseIdle && ph != chat.PhaseClosed {
		if err := h.chat.ExitRoom(); err != nil && !errors.Is(err, chat.ErrRoomClosed) {
			logger.Errorf("auth.Logout: exit room: %v", err)
		}
	}
	if err := h.sessions.Logout(r.Context()); err != nil {
		writeDomainError(w, "auth.Logout", err)
		return
	}
	h.chat.SetAccessToken("")
	w.WriteHeader(http.StatusNoContent)
}
