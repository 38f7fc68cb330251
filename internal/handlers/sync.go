package handlers

import (
	"errors"
	"net/http"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/sync"
)

// SyncHandler triggers on-demand reconciliation passes.
type SyncHandler struct {
	syncer *sync.Synchronizer
}

// NewSyncHandler creates a SyncHandler over the synchronizer.
func NewSyncHandler(syncer *sync.Synchronizer) *SyncHandler {
	return &SyncHandler{syncer: syncer}
}

// Run handles POST /api/sync. A pass already in flight is reported as a
// conflict rather than queued behind it.
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	res, err := h.syncer.Synchronize(r.Context())
	if errors.Is(err, sync.ErrPassInProgress) {
		api.WriteError(w, apierr.ErrExists.WithMessage("a synchronization pass is already running"))
		return
	}
	if err != nil {
		api.WriteError(w, apierr.ErrBadGateway.WithMessage("synchronization failed: %v", err))
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
