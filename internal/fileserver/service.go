// Package fileserver stores uploaded chat files gzip-compressed on disk and
// serves them back under /files/{name}.
package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/upload"
)

// BlockedExt are never accepted, whatever the client-side limits say.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".apk": true,
}

// UploadResponse is the body of a successful POST /file.
type UploadResponse struct {
	File string `json:"file"`
}

// Service handles upload and download of chat files.
type Service struct {
	UploadDir     string
	MaxUploadSize int64
	// PublicBase prefixes returned URLs, e.g. "http://localhost:8091".
	PublicBase string
}

func New(uploadDir string, maxUploadSize int64, publicBase string) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize, PublicBase: strings.TrimSuffix(publicBase, "/")}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("fileserver writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Upload handles multipart POST with field "file" and answers {"file": url}.
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("fileserver.Upload", time.Now())()
	ctx := r.Context()
	if s.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize+(1<<20))
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	var part io.ReadCloser
	var filename string
	for {
		p, err := mr.NextPart()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if p.FormName() == "file" {
			part, filename = p, p.FileName()
			break
		}
		p.Close()
	}
	defer part.Close()

	// some clients encode spaces in the file name as "+"
	rawFilename := strings.ReplaceAll(filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if ext == "" || BlockedExt[ext] {
		s.writeError(w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}

	head := make([]byte, upload.SniffLen)
	n, err := io.ReadAtLeast(part, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	head = head[:n]
	if !upload.MatchMagic(ext, head) {
		s.writeError(w, http.StatusUnsupportedMediaType, "file content does not match type")
		return
	}

	newName := uuid.NewString() + ext
	size, err := s.save(ctx, newName, io.MultiReader(bytes.NewReader(head), part))
	if err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			s.writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		case ctx.Err() != nil:
		default:
			logger.Errorf("fileserver: save %s: %v", newName, err)
			s.writeError(w, http.StatusInternalServerError, "failed to save file")
		}
		return
	}
	if s.MaxUploadSize > 0 && size > s.MaxUploadSize {
		s.remove(newName)
		s.writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	u := s.PublicBase + "/files/" + newName
	if name := safeFilename(filepath.Base(rawFilename)); name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	logger.Infof("fileserver: stored %s (%d bytes)", newName, size)
	s.writeJSON(w, http.StatusOK, UploadResponse{File: u})
}

// save writes src gzip-compressed under name and returns the plain size.
func (s *Service) save(ctx context.Context, name string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}
	dstPath := filepath.Join(s.UploadDir, name+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(dst)
	n, err := copyWithContext(ctx, gz, src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return 0, err
	}
	return n, nil
}

func (s *Service) remove(name string) {
	if err := os.Remove(filepath.Join(s.UploadDir, name+".gz")); err != nil && !os.IsNotExist(err) {
		logger.Errorf("fileserver: remove %s: %v", name, err)
	}
}

// Serve streams a stored file; query name= sets the download name.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	f, err := os.Open(filepath.Join(s.UploadDir, filename+".gz"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer gz.Close()

	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if origName := safeFilename(r.URL.Query().Get("name")); origName != "" {
		disp := "attachment; filename*=UTF-8''" + url.PathEscape(origName)
		if ascii := asciiFallbackFilename(origName); ascii == origName {
			disp = "attachment; filename=\"" + ascii + "\"; " + disp
		}
		w.Header().Set("Content-Disposition", disp)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, gz); err != nil {
		logger.Debugf("fileserver: serve %s: %v", filename, err)
	}
}

// safeFilename drops control characters, quotes and separators; UTF-8 is kept.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename maps everything outside [A-Za-z0-9._-] to '_'.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("upload cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
