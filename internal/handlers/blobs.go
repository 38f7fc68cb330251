package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/conditional"
	"github.com/blobmirror/blobmirror/internal/repository"
)

// BlobHandler serves the blob endpoints. Blob names may contain slashes, so
// the routes bind the name as a trailing wildcard.
type BlobHandler struct {
	repo        *repository.Repository
	maxBodySize int64
}

// NewBlobHandler creates a BlobHandler. maxBodySize caps the request body of
// direct blob creation.
func NewBlobHandler(repo *repository.Repository, maxBodySize int64) *BlobHandler {
	return &BlobHandler{repo: repo, maxBodySize: maxBodySize}
}

// blobPayload is the JSON body of blob attribute updates.
type blobPayload struct {
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	ContentLanguage string            `json:"contentLanguage"`
	Metadata        map[string]string `json:"metadata"`
	Tags            map[string]string `json:"tags"`
}

// List handles GET /api/containers/{container}/blobs.
func (h *BlobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	page, err := h.repo.ListBlobs(r.Context(), chi.URLParam(r, "container"), opts)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

// Read handles GET /api/containers/{container}/blobs/{blob} and GET
// .../blobs/{blob}/content. The name is wildcard-bound because blob names
// may contain slashes; a trailing /content segment selects the content
// stream and wins over a blob whose name actually ends in "/content".
func (h *BlobHandler) Read(w http.ResponseWriter, r *http.Request) {
	container, name := blobParams(r)
	if rest, ok := strings.CutSuffix(name, "/content"); ok && rest != "" {
		h.download(w, r, container, rest)
		return
	}
	h.get(w, r, container, name)
}

// get returns the blob's mirrored attributes.
func (h *BlobHandler) get(w http.ResponseWriter, r *http.Request, container, name string) {
	b, outcome, err := h.repo.GetBlob(r.Context(), container, name, conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, b.ETag, b.LastModified)
	if outcome == conditional.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	api.WriteJSON(w, http.StatusOK, b)
}

// Create handles PUT /api/containers/{container}/blobs/{blob}. The request
// body is the blob content; attributes arrive via Content-* headers and the
// x-blobmirror-meta-* / x-blobmirror-tag-* header families.
func (h *BlobHandler) Create(w http.ResponseWriter, r *http.Request) {
	container, name := blobParams(r)
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		api.WriteError(w, apierr.Validation("reading request body: %v", err))
		return
	}
	req := repository.BlobRequest{
		ContentType:     r.Header.Get("Content-Type"),
		ContentEncoding: r.Header.Get("Content-Encoding"),
		ContentLanguage: r.Header.Get("Content-Language"),
		Metadata:        extractPrefixedHeaders(r, metaHeaderPrefix),
		Tags:            extractPrefixedHeaders(r, tagHeaderPrefix),
	}
	b, err := h.repo.CreateBlob(r.Context(), container, name, data, req, conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, b.ETag, b.LastModified)
	api.WriteJSON(w, http.StatusCreated, b)
}

// Update handles PATCH /api/containers/{container}/blobs/{blob} and
// replaces the blob's mutable attributes without touching its content.
func (h *BlobHandler) Update(w http.ResponseWriter, r *http.Request) {
	container, name := blobParams(r)
	var payload blobPayload
	if err := decodeBody(r, &payload); err != nil {
		api.WriteError(w, err)
		return
	}
	req := repository.BlobRequest{
		ContentType:     payload.ContentType,
		ContentEncoding: payload.ContentEncoding,
		ContentLanguage: payload.ContentLanguage,
		Metadata:        payload.Metadata,
		Tags:            payload.Tags,
	}
	b, err := h.repo.UpdateBlob(r.Context(), container, name, req, conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, b.ETag, b.LastModified)
	api.WriteJSON(w, http.StatusOK, b)
}

// Delete handles DELETE /api/containers/{container}/blobs/{blob}.
func (h *BlobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	container, name := blobParams(r)
	if err := h.repo.DeleteBlob(r.Context(), container, name, conditional.FromRequest(r)); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// download streams the blob's bytes from the backend, honoring a
// single-range Range header.
func (h *BlobHandler) download(w http.ResponseWriter, r *http.Request, container, name string) {
	rng, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	dl, outcome, err := h.repo.DownloadBlob(r.Context(), container, name, rng, conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if outcome == conditional.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer dl.Body.Close()

	setEntityHeaders(w, dl.ETag, dl.LastModified)
	if dl.ContentType != "" {
		w.Header().Set("Content-Type", dl.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	status := http.StatusOK
	if rng != nil {
		cr := dl.ContentRange
		if cr == "" {
			cr = contentRangeValue(rng, dl.ContentLength)
		}
		w.Header().Set("Content-Range", cr)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if _, err := io.Copy(w, dl.Body); err != nil {
		slog.Warn("blob download interrupted", "container", container, "blob", name, "error", err)
	}
}

// blobParams extracts the container name and the wildcard-bound blob name
// from the route.
func blobParams(r *http.Request) (container, name string) {
	return chi.URLParam(r, "container"), chi.URLParam(r, "*")
}
