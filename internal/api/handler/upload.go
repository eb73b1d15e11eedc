package handler

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/blob"
	"github.com/reelworks/reelfix/internal/contentaddr"
)

// maxUploadBytes caps a single media upload.
const maxUploadBytes = 64 << 20

// UploadResult is returned for POST /api/v1/uploads.
type UploadResult struct {
	ContentID string `json:"content_id"`
	InputRef  string `json:"input_ref"`
	Size      int64  `json:"size"`
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/uploads.
// Media is stored under its content address, so re-uploading identical bytes
// is a cheap overwrite of the same object and yields the same content id.
func NewUploadHandler(blobs blob.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := mw.GetUserID(r); !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"UPLOAD_TOO_LARGE", "Upload exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read upload body", nil)
			return
		}
		if len(body) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Empty upload", nil)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(body)
		}

		contentID := contentaddr.Content(body)
		key := "uploads/" + contentID
		ref, err := blobs.Put(r.Context(), key, bytes.NewReader(body), int64(len(body)), contentType)
		if err != nil {
			response.Error(w, http.StatusBadGateway, "STORAGE_ERROR", "Failed to store upload", nil)
			return
		}

		response.Created(w, UploadResult{
			ContentID: contentID,
			InputRef:  ref,
			Size:      int64(len(body)),
		})
	}
}
