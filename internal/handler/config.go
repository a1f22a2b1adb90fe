package handler

import (
	"net/http"

	"github.com/mitalk/internal/upload"
)

// ConfigHandler serves the public settings the UI needs before picking files.
type ConfigHandler struct {
	limits upload.Limits
	push   PushService
}

func NewConfigHandler(limits upload.Limits, push PushService) *ConfigHandler {
	return &ConfigHandler{limits: limits, push: push}
}

type uploadConfig struct {
	MaxSize     int64    `json:"max_size"`
	ConfirmSize int64    `json:"confirm_size"`
	Image       []string `json:"image"`
	Video       []string `json:"video"`
	Document    []string `json:"document"`
}

type pushConfig struct {
	Enabled        bool   `json:"enabled"`
	VAPIDPublicKey string `json:"vapid_public_key,omitempty"`
}

func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	p := pushConfig{}
	if h.push != nil {
		p = pushConfig{Enabled: true, VAPIDPublicKey: h.push.PublicKey()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload": uploadConfig{
			MaxSize:     h.limits.MaxSize,
			ConfirmSize: h.limits.ConfirmSize,
			Image:       h.limits.Image,
			Video:       h.limits.Video,
			Document:    h.limits.Document,
		},
		"push": p,
	})
}
