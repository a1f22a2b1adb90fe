package fileserver

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHead = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func post(t *testing.T, s *Service, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, _ = part.Write(content)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Upload(rec, req)
	return rec
}

func TestUploadAndServe(t *testing.T) {
	s := New(t.TempDir(), 1<<20, "http://files.test/")
	content := append(append([]byte{}, pngHead...), bytes.Repeat([]byte("x"), 2000)...)

	rec := post(t, s, "my cat.png", content)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	u, err := url.Parse(resp.File)
	require.NoError(t, err)
	assert.Equal(t, "files.test", u.Host)
	assert.Equal(t, ".png", path.Ext(u.Path))
	assert.Equal(t, "my cat.png", u.Query().Get("name"))

	rec = httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil), path.Base(u.Path))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "filename*=UTF-8''my%20cat.png")
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, content, body)
}

func TestUploadRejects(t *testing.T) {
	s := New(t.TempDir(), 100, "")

	rec := post(t, s, "run.sh", []byte("#!/bin/sh"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post(t, s, "fake.png", []byte("%PDF-1.7"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post(t, s, "big.png", append(append([]byte{}, pngHead...), make([]byte, 500)...))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServeMissing(t *testing.T) {
	s := New(t.TempDir(), 0, "")
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/files/x.png", nil), "../x.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "evil.png", safeFilename("\"evil\r\n.png"))
	assert.Equal(t, "отчёт.pdf", safeFilename(" отчёт.pdf "))
	assert.Equal(t, "a_b.txt", asciiFallbackFilename("a b.txt"))
}
