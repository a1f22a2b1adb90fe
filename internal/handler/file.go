package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/upload"
)

// multipartOverhead is added to the body limit for boundaries and headers.
const multipartOverhead = 1 << 20

type FileHandler struct {
	chat    ChatService
	stage   *Stage
	maxSize int64
}

// NewFileHandler stages files of at most maxSize bytes; larger bodies are
// cut off before they reach the validator and reported through RejectFile.
func NewFileHandler(chat ChatService, stage *Stage, maxSize int64) *FileHandler {
	return &FileHandler{chat: chat, stage: stage, maxSize: maxSize}
}

type fileAccepted struct {
	UploadID string `json:"upload_id"`
	Handle   string `json:"handle"`
}

type fileRejected struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Handle string `json:"handle"`
}

// Upload stages multipart field "file" and queues it. Form field "approve"
// skips the size confirmation.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.chat.RejectFile(upload.FileRef{}, upload.ErrFileOver)
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: upload.ErrFileOver.Error(), Kind: chat.EffectFileTooLarge.String()})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "field file required")
		return
	}
	defer file.Close()
	approve, _ := strconv.ParseBool(r.FormValue("approve"))

	ref, err := h.stage.Put(header.Filename, file)
	if err != nil {
		writeDomainError(w, "file.Upload", err)
		return
	}
	h.post(w, r, ref, approve)
}

// Confirm re-posts a staged file that needed size confirmation.
func (h *FileHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ref, err := h.stage.Get(chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.post(w, r, ref, true)
}

// Discard drops a staged file the user declined to send.
func (h *FileHandler) Discard(w http.ResponseWriter, r *http.Request) {
	h.stage.Remove(chi.URLParam(r, "handle"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) post(w http.ResponseWriter, r *http.Request, ref upload.FileRef, approve bool) {
	id, err := h.chat.PostFile(r.Context(), ref, approve)
	if err == nil {
		writeJSON(w, http.StatusAccepted, fileAccepted{UploadID: id, Handle: ref.Handle})
		return
	}
	// a file waiting for confirmation stays staged for Confirm
	if !errors.Is(err, upload.ErrFileSize) {
		h.stage.Remove(ref.Handle)
	}
	switch {
	case errors.Is(err, upload.ErrFileOver):
		writeJSON(w, http.StatusUnprocessableEntity, fileRejected{Error: err.Error(), Kind: chat.EffectFileTooLarge.String(), Handle: ref.Handle})
	case errors.Is(err, upload.ErrFileSize):
		writeJSON(w, http.StatusUnprocessableEntity, fileRejected{Error: err.Error(), Kind: chat.EffectFileNeedsConfirmation.String(), Handle: ref.Handle})
	case errors.Is(err, upload.ErrFileNotAllowed):
		writeJSON(w, http.StatusUnprocessableEntity, fileRejected{Error: err.Error(), Kind: chat.EffectFileTypeNotAllowed.String(), Handle: ref.Handle})
	default:
		writeDomainError(w, "file.post", err)
	}
}
