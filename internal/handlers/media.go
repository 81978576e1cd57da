package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"github.com/google/uuid"
)

// uploads are capped at 100 MB
const maxUploadBytes = 100 << 20

var allowedMimePrefixes = []string{"image/", "video/"}

// UploadMedia accepts one multipart file field named "file", stores it under
// the media root and records the asset.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	mediaType, ok := mediaTypeFor(mimeType)
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "only image/* and video/* uploads are accepted")
		return
	}

	id := uuid.NewString()
	ext := filepath.Ext(header.Filename)
	relPath := filepath.Join(time.Now().UTC().Format("2006/01"), id+ext)
	absPath := filepath.Join(h.mediaRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dst, err := os.Create(absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), file)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(absPath)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	asset := models.MediaAsset{
		ID:               id,
		Type:             mediaType,
		StoragePath:      filepath.ToSlash(relPath),
		MimeType:         mimeType,
		SizeBytes:        size,
		FileHash:         hex.EncodeToString(hasher.Sum(nil)),
		OriginalFilename: header.Filename,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.store.CreateMedia(r.Context(), asset); err != nil {
		_ = os.Remove(absPath)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] media_uploaded media=%s type=%s size=%d", asset.ID, asset.Type, asset.SizeBytes)
	writeJSON(w, http.StatusCreated, asset)
}

func (h *Handler) ListMedia(w http.ResponseWriter, r *http.Request) {
	media, err := h.store.ListMedia(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, media)
}

func mediaTypeFor(mimeType string) (models.MediaType, bool) {
	for _, prefix := range allowedMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			if prefix == "video/" {
				return models.MediaVideo, true
			}
			return models.MediaImage, true
		}
	}
	return "", false
}
