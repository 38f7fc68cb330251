package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/uploads"
)

// UploadHandler serves the upload session endpoints.
type UploadHandler struct {
	mgr          *uploads.Manager
	maxBlockSize int64
}

// NewUploadHandler creates an UploadHandler. maxBlockSize caps the body of a
// single staged block.
func NewUploadHandler(mgr *uploads.Manager, maxBlockSize int64) *UploadHandler {
	return &UploadHandler{mgr: mgr, maxBlockSize: maxBlockSize}
}

// uploadPayload is the JSON body of POST /api/uploads.
type uploadPayload struct {
	Container       string            `json:"container"`
	BlobName        string            `json:"blobName"`
	ContentLength   int64             `json:"contentLength"`
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	ContentLanguage string            `json:"contentLanguage"`
	Metadata        map[string]string `json:"metadata"`
	Tags            map[string]string `json:"tags"`
}

// commitPayload is the JSON body of POST /api/uploads/{uploadId}/commit.
// Order is the assembly order.
type commitPayload struct {
	BlockIDs []string `json:"blockIds"`
}

// statusResponse is the body of GET /api/uploads/{uploadId}.
type statusResponse struct {
	Upload api.Upload  `json:"upload"`
	Blocks []api.Block `json:"blocks"`
}

// Create handles POST /api/uploads and opens a session.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload uploadPayload
	if err := decodeBody(r, &payload); err != nil {
		api.WriteError(w, err)
		return
	}
	up, err := h.mgr.Create(r.Context(), uploads.CreateRequest{
		Container:       payload.Container,
		BlobName:        payload.BlobName,
		ContentLength:   payload.ContentLength,
		ContentType:     payload.ContentType,
		ContentEncoding: payload.ContentEncoding,
		ContentLanguage: payload.ContentLanguage,
		Metadata:        payload.Metadata,
		Tags:            payload.Tags,
	})
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, up)
}

// List handles GET /api/uploads, optionally restricted by ?container=.
func (h *UploadHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	page, err := h.mgr.List(r.Context(), r.URL.Query().Get("container"), opts)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

// Status handles GET /api/uploads/{uploadId}.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	up, blocks, err := h.mgr.Status(r.Context(), chi.URLParam(r, "uploadId"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, statusResponse{Upload: *up, Blocks: blocks})
}

// StageBlock handles PUT /api/uploads/{uploadId}/blocks?blockId=... with the
// block's bytes as the request body. The block ID travels as a query
// parameter because base64 is not path-safe.
func (h *UploadHandler) StageBlock(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("blockId") {
		api.WriteError(w, apierr.Validation("blockId query parameter is required"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBlockSize))
	if err != nil {
		api.WriteError(w, apierr.Validation("reading request body: %v", err))
		return
	}
	blk, err := h.mgr.StageBlock(r.Context(), chi.URLParam(r, "uploadId"), r.URL.Query().Get("blockId"), data)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, blk)
}

// Commit handles POST /api/uploads/{uploadId}/commit.
func (h *UploadHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var payload commitPayload
	if err := decodeBody(r, &payload); err != nil {
		api.WriteError(w, err)
		return
	}
	blob, err := h.mgr.Commit(r.Context(), chi.URLParam(r, "uploadId"), payload.BlockIDs)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, blob)
}

// Cancel handles POST /api/uploads/{uploadId}/cancel.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Cancel(r.Context(), chi.URLParam(r, "uploadId")); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
