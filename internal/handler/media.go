package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/plantsocial/backend/internal/media"
)

type MediaHandler struct {
	store *media.Store
}

func NewMediaHandler(store *media.Store) *MediaHandler {
	return &MediaHandler{store: store}
}

func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	h.store.Upload(w, r)
}

func (h *MediaHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	h.store.Serve(w, r, filename)
}
