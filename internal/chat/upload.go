package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/upload"
)

// validationEffect maps a validation error to its effect.
func validationEffect(ref upload.FileRef, err error) (Effect, bool) {
	switch {
	case errors.Is(err, upload.ErrFileOver):
		return Effect{Kind: EffectFileTooLarge, Handle: ref.Handle}, true
	case errors.Is(err, upload.ErrFileSize):
		return Effect{Kind: EffectFileNeedsConfirmation, Handle: ref.Handle}, true
	case errors.Is(err, upload.ErrFileNotAllowed):
		return Effect{Kind: EffectFileTypeNotAllowed, Handle: ref.Handle}, true
	}
	return Effect{}, false
}

// PostFile validates ref and, when it passes, queues the upload and returns
// its id. approve skips the size confirmation band. On success the file URL
// is sent into the room as a new message. A done ctx refuses the file before
// validation; the upload itself runs in the controller scope.
func (c *Controller) PostFile(ctx context.Context, ref upload.FileRef, approve bool) (string, error) {
	if c.closed() {
		return "", ErrShutdown
	}
	if c.State().Phase == PhaseClosed {
		return "", ErrRoomClosed
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("chat.PostFile: %w", err)
	}
	if err := c.cfg.Validator.Validate(ref, approve); err != nil {
		if eff, ok := validationEffect(ref, err); ok {
			c.state.Post(eff)
		}
		return "", fmt.Errorf("chat.PostFile: %w", err)
	}

	entry := model.UploadEntry{ID: uuid.NewString(), Handle: ref.Handle, Name: ref.Name, StartedAt: time.Now()}
	queued := false
	c.state.Reduce(func(s SessionState) SessionState {
		if s.Phase == PhaseClosed {
			return s
		}
		queued = true
		s.Uploads = appendUpload(s.Uploads, entry)
		return s
	})
	if !queued {
		return "", ErrRoomClosed
	}
	if !c.spawn(func(scope context.Context) { c.runUpload(scope, entry, ref) }) {
		return "", ErrShutdown
	}
	return entry.ID, nil
}

// RejectFile emits the effect for a file refused before it reached the
// validator, e.g. a body cut off at the transport limit.
func (c *Controller) RejectFile(ref upload.FileRef, cause error) {
	if c.closed() {
		return
	}
	if eff, ok := validationEffect(ref, cause); ok {
		c.state.Post(eff)
	}
}

func (c *Controller) runUpload(ctx context.Context, entry model.UploadEntry, ref upload.FileRef) {
	defer logger.DeferLogDuration("chat.upload", time.Now())()
	url, err := c.cfg.Uploader.Upload(ctx, ref)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Errorf("chat: upload %s (%s) failed: %v", entry.ID, ref.Name, err)
		c.settle(entry, Effect{Kind: EffectUploadFailed, UploadID: entry.ID, Handle: entry.Handle, Err: err})
		return
	}
	if !c.settle(entry, Effect{Kind: EffectUploadSucceeded, UploadID: entry.ID, Handle: entry.Handle, URL: url}) {
		return
	}
	if err := c.SendText(url); err != nil {
		logger.Errorf("chat: send uploaded file %s: %v", url, err)
	}
}

// settle removes entry and emits eff. It reports false when the entry was
// already gone because the room finished meanwhile.
func (c *Controller) settle(entry model.UploadEntry, eff Effect) bool {
	present := false
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		for _, u := range s.Uploads {
			if u.ID == entry.ID {
				present = true
				break
			}
		}
		if !present {
			return s, nil
		}
		s.Uploads = removeUpload(s.Uploads, entry.ID)
		return s, []Effect{eff}
	})
	return present
}
