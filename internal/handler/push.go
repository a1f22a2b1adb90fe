package handler

import (
	"errors"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mitalk/internal/push"
)

// PushHandler manages the browser's Web Push subscription.
type PushHandler struct {
	push PushService
}

func NewPushHandler(p PushService) *PushHandler {
	return &PushHandler{push: p}
}

type subscribeRequest struct {
	Subscription webpush.Subscription `json:"subscription"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"vapid_public_key": h.push.PublicKey()})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.push.Subscribe(r.Context(), req.Subscription); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDomainError(w, "push.Subscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.push.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		writeDomainError(w, "push.Unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
