// Package upload validates files before they are sent to the file endpoint.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitalk/internal/config"
)

var (
	// ErrFileOver means the file is larger than the hard ceiling.
	ErrFileOver = errors.New("file exceeds maximum upload size")
	// ErrFileSize means the file is large enough to need user approval.
	ErrFileSize = errors.New("file size needs confirmation")
	// ErrFileNotAllowed means the extension or content is not accepted.
	ErrFileNotAllowed = errors.New("file type not allowed")
)

const (
	ClassImage    = "image"
	ClassVideo    = "video"
	ClassDocument = "document"
)

// Limits are the validation thresholds. Extensions are lower case without the dot.
type Limits struct {
	MaxSize     int64
	ConfirmSize int64
	Image       []string
	Video       []string
	Document    []string
}

// DefaultLimits returns a 50 MiB ceiling and a 10 MiB confirmation band.
func DefaultLimits() Limits {
	return Limits{
		MaxSize:     50 << 20,
		ConfirmSize: 10 << 20,
		Image:       []string{"jpg", "jpeg", "png", "gif", "webp", "heic"},
		Video:       []string{"mp4", "mov", "avi", "webm", "mkv"},
		Document:    []string{"pdf", "doc", "docx", "txt", "hwp", "xls", "xlsx", "ppt", "pptx", "zip"},
	}
}

// LimitsFromConfig copies the upload section of cfg.
func LimitsFromConfig(cfg config.UploadConfig) Limits {
	return Limits{
		MaxSize:     cfg.MaxSize,
		ConfirmSize: cfg.ConfirmSize,
		Image:       cfg.Image,
		Video:       cfg.Video,
		Document:    cfg.Document,
	}
}

// Class returns image, video or document for an allowed extension, else "".
func (l Limits) Class(ext string) string {
	ext = normExt(ext)
	switch {
	case contains(l.Image, ext):
		return ClassImage
	case contains(l.Video, ext):
		return ClassVideo
	case contains(l.Document, ext):
		return ClassDocument
	}
	return ""
}

// FileRef points at a file the user picked. Handle is opaque to the controller.
type FileRef struct {
	Handle string
	Name   string
	Size   int64
	Open   func() (io.ReadCloser, error)
}

// Ext returns the lower case extension of Name without the dot.
func (f FileRef) Ext() string {
	return normExt(filepath.Ext(f.Name))
}

// LocalFile builds a FileRef for a file on disk; the path is the handle.
func LocalFile(path string) (FileRef, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileRef{}, fmt.Errorf("upload.LocalFile: %w", err)
	}
	if st.IsDir() {
		return FileRef{}, fmt.Errorf("upload.LocalFile: %s is a directory", path)
	}
	return FileRef{
		Handle: path,
		Name:   filepath.Base(path),
		Size:   st.Size(),
		Open:   func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// Validator applies Limits to a FileRef.
type Validator struct {
	Limits Limits
}

// NewValidator returns a validator for l.
func NewValidator(l Limits) *Validator {
	return &Validator{Limits: l}
}

// Validate checks extension, ceiling, confirmation band and content in that
// order. approve skips the confirmation band only.
func (v *Validator) Validate(f FileRef, approve bool) error {
	if v.Limits.Class(f.Ext()) == "" {
		return ErrFileNotAllowed
	}
	if v.Limits.MaxSize > 0 && f.Size > v.Limits.MaxSize {
		return ErrFileOver
	}
	if !approve && v.Limits.ConfirmSize > 0 && f.Size > v.Limits.ConfirmSize {
		return ErrFileSize
	}
	if f.Open == nil {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("upload.Validate: open %s: %w", f.Name, err)
	}
	defer rc.Close()
	head := make([]byte, SniffLen)
	n, err := io.ReadAtLeast(rc, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("upload.Validate: read %s: %w", f.Name, err)
	}
	if !MatchMagic(f.Ext(), head[:n]) {
		return ErrFileNotAllowed
	}
	return nil
}

func normExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func contains(list []string, s string) bool {
	for _, it := range list {
		if normExt(it) == s {
			return true
		}
	}
	return false
}
