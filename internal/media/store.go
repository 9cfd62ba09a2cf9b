// Package media stores uploaded message attachments on local disk and
// serves them back by their generated name. A message's media_ref is the
// serve URL returned on upload.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/plantsocial/backend/internal/logger"
)

// Only dangerous extensions (executables/scripts) are blocked; everything
// else is allowed.
var blockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// UploadResponse is returned after a successful upload. URL is what clients
// put into a message's media_ref.
type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

// Store handles attachment upload and serving.
type Store struct {
	UploadDir     string
	MaxUploadSize int64
}

func NewStore(uploadDir string, maxUploadSize int64) *Store {
	return &Store{UploadDir: uploadDir, MaxUploadSize: maxUploadSize}
}

func (s *Store) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("media writeJSON: %v", err)
	}
}

func (s *Store) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Upload handles POST multipart/form-data with a "file" field.
func (s *Store) Upload(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.Receive(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, *resp)
}

// Receive stores the uploaded file and returns its descriptor. On failure
// the error response has already been written and ok is false.
func (s *Store) Receive(w http.ResponseWriter, r *http.Request) (resp *UploadResponse, ok bool) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize)

	if err := r.ParseMultipartForm(s.MaxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "file too large")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return nil, false
	}
	defer file.Close()

	// Some clients encode a space in the name as "+"; normalize before
	// taking the extension.
	rawFilename := strings.ReplaceAll(header.Filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if blockedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return nil, false
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(file, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		s.writeError(w, http.StatusBadRequest, "file content does not match type")
		return nil, false
	}

	newName := uuid.New().String() + ext
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create upload dir")
		return nil, false
	}

	dstPath := filepath.Join(s.UploadDir, newName)
	dst, err := os.Create(dstPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return nil, false
	}
	if _, err := dst.Write(head); err != nil {
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return nil, false
	}
	if err := copyWithContext(ctx, dst, file); err != nil {
		dst.Close()
		os.Remove(dstPath)
		if ctx.Err() != nil {
			return nil, false
		}
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return nil, false
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return nil, false
	}

	kind := "FILE"
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		kind = "IMAGE"
	}

	displayName := safeFilename(filepath.Base(rawFilename))
	if displayName == "" {
		displayName = newName
	}

	return &UploadResponse{
		URL:         "/api/media/" + newName,
		FileName:    displayName,
		FileSize:    header.Size,
		ContentType: kind,
	}, true
}

// Remove deletes a stored file by its serve URL or generated name. Used when
// a message send fails after its attachment already landed on disk.
func (s *Store) Remove(fileURL string) {
	name := filepath.Base(fileURL)
	if name == "." || name == "/" {
		return
	}
	if err := os.Remove(filepath.Join(s.UploadDir, name)); err != nil && !os.IsNotExist(err) {
		logger.Errorf("media remove %s: %v", name, err)
	}
}

// Serve writes the stored file by its generated name.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	f, err := os.Open(filepath.Join(s.UploadDir, filename))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// safeFilename strips control characters and quoting from a display name.
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

// copyWithContext copies in chunks, aborting when ctx is cancelled (client
// went away mid-upload).
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
