package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/conditional"
	"github.com/blobmirror/blobmirror/internal/repository"
)

// ContainerHandler serves the container endpoints.
type ContainerHandler struct {
	repo *repository.Repository
}

// NewContainerHandler creates a ContainerHandler over the repository.
func NewContainerHandler(repo *repository.Repository) *ContainerHandler {
	return &ContainerHandler{repo: repo}
}

// containerPayload is the JSON body of container create and update requests.
type containerPayload struct {
	PublicAccess string            `json:"publicAccess"`
	Metadata     map[string]string `json:"metadata"`
}

func (p containerPayload) request() repository.ContainerRequest {
	return repository.ContainerRequest{
		PublicAccess: p.PublicAccess,
		Metadata:     p.Metadata,
	}
}

// List handles GET /api/containers.
func (h *ContainerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	page, err := h.repo.ListContainers(r.Context(), opts)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

// Get handles GET /api/containers/{container}.
func (h *ContainerHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "container")
	c, outcome, err := h.repo.GetContainer(r.Context(), name, conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, c.ETag, c.LastModified)
	if outcome == conditional.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	api.WriteJSON(w, http.StatusOK, c)
}

// Create handles PUT /api/containers/{container}.
func (h *ContainerHandler) Create(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "container")
	var payload containerPayload
	if err := decodeBody(r, &payload); err != nil {
		api.WriteError(w, err)
		return
	}
	c, err := h.repo.CreateContainer(r.Context(), name, payload.request())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, c.ETag, c.LastModified)
	api.WriteJSON(w, http.StatusCreated, c)
}

// Update handles PATCH /api/containers/{container}.
func (h *ContainerHandler) Update(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "container")
	var payload containerPayload
	if err := decodeBody(r, &payload); err != nil {
		api.WriteError(w, err)
		return
	}
	c, err := h.repo.UpdateContainer(r.Context(), name, payload.request(), conditional.FromRequest(r))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	setEntityHeaders(w, c.ETag, c.LastModified)
	api.WriteJSON(w, http.StatusOK, c)
}

// Delete handles DELETE /api/containers/{container}.
func (h *ContainerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "container")
	if err := h.repo.DeleteContainer(r.Context(), name, conditional.FromRequest(r)); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody parses an optional JSON request body. An empty body is valid
// and leaves the destination zero-valued.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("malformed JSON body: %v", err)
	}
	return nil
}
