package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mitalk/internal/api"
	"github.com/mitalk/internal/auth"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/upload"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeJSON reads a JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDomainError maps package sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	var se *api.StatusError
	switch {
	case errors.Is(err, chat.ErrRoomClosed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "room_closed"})
	case errors.Is(err, chat.ErrNotConnected):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "not_connected"})
	case errors.Is(err, chat.ErrAlreadyStarted):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "already_started"})
	case errors.Is(err, chat.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, upload.ErrFileOver):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: chat.EffectFileTooLarge.String()})
	case errors.Is(err, upload.ErrFileSize):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: chat.EffectFileNeedsConfirmation.String()})
	case errors.Is(err, upload.ErrFileNotAllowed):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: chat.EffectFileTypeNotAllowed.String()})
	case errors.Is(err, auth.ErrAuthFailure):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication failed", Kind: "auth_failure"})
	case errors.As(err, &se):
		logger.Errorf("%s: remote: %v", op, err)
		writeError(w, http.StatusBadGateway, se.Message)
	default:
		logger.Errorf("%s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
