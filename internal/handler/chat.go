package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mitalk/internal/logger"
)

type ChatHandler struct {
	sessions Sessions
	chat     ChatService
}

func NewChatHandler(sessions Sessions, chat ChatService) *ChatHandler {
	return &ChatHandler{sessions: sessions, chat: chat}
}

type startRequest struct {
	ChatType string `json:"chat_type"`
}

type textRequest struct {
	Text string `json:"text"`
}

// Start connects to the counseling socket. An empty chat_type reopens the last chat type.
func (h *ChatHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	chatType := strings.TrimSpace(req.ChatType)
	if chatType == "" {
		info, err := h.chat.LoadChatInfo(r.Context())
		if err != nil {
			logger.Errorf("chat.Start: load chat info: %v", err)
		}
		chatType = info.ChatType
	}
	if chatType == "" {
		writeError(w, http.StatusBadRequest, "chat_type required")
		return
	}
	tok, err := h.sessions.AccessToken(r.Context())
	if err != nil {
		writeDomainError(w, "chat.Start", err)
		return
	}
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	h.chat.SetAccessToken(tok)
	if err := h.chat.Start(r.Context(), chatType); err != nil {
		writeDomainError(w, "chat.Start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.chat.State())
}

func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chat.State())
}

func (h *ChatHandler) Exit(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.ExitRoom(); err != nil {
		writeDomainError(w, "chat.Exit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return "", false
	}
	return req.Text, true
}

// SendText is accepted once queued on the socket; the message shows up after the server echo.
func (h *ChatHandler) SendText(w http.ResponseWriter, r *http.Request) {
	text, ok := h.readText(w, r)
	if !ok {
		return
	}
	if err := h.chat.SendText(text); err != nil {
		writeDomainError(w, "chat.SendText", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, ok := h.readText(w, r)
	if !ok {
		return
	}
	if err := h.chat.SendEdit(id, text); err != nil {
		writeDomainError(w, "chat.EditMessage", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.chat.SendDelete(id); err != nil {
		writeDomainError(w, "chat.DeleteMessage", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
