package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/repository"
)

// InfoHandler proxies the FAQ, review and record endpoints and serves the
// local transcript archive when one is configured.
type InfoHandler struct {
	backend     Backend
	transcripts Transcripts
	placeholder string
}

// NewInfoHandler; transcripts may be nil.
func NewInfoHandler(backend Backend, transcripts Transcripts, placeholder string) *InfoHandler {
	return &InfoHandler{backend: backend, transcripts: transcripts, placeholder: placeholder}
}

func (h *InfoHandler) Questions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.backend.Questions(r.Context())
	if err != nil {
		writeDomainError(w, "info.Questions", err)
		return
	}
	if qs == nil {
		qs = []model.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *InfoHandler) PostReview(w http.ResponseWriter, r *http.Request) {
	var req model.Review
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CounsellorID == "" {
		writeError(w, http.StatusBadRequest, "counsellor_id required")
		return
	}
	if req.Star < 1 || req.Star > 5 {
		writeError(w, http.StatusBadRequest, "star must be between 1 and 5")
		return
	}
	if err := h.backend.PostReview(r.Context(), req); err != nil {
		writeDomainError(w, "info.PostReview", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InfoHandler) PendingReview(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.ReviewState(r.Context())
	if err != nil {
		writeDomainError(w, "info.PendingReview", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type recordResponse struct {
	model.RecordDetail
	Messages []model.ChatMessage `json:"messages"`
}

func (h *InfoHandler) Record(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "info.Record", err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{RecordDetail: rec, Messages: rec.Messages(h.placeholder)})
}

type transcriptResponse struct {
	Room     *repository.Room    `json:"room"`
	Messages []model.ChatMessage `json:"messages"`
}

// Transcript returns a room from the local archive.
func (h *InfoHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	room, msgs, err := h.transcripts.Transcript(r.Context(), chi.URLParam(r, "room"))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		writeDomainError(w, "info.Transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Room: room, Messages: msgs})
}
