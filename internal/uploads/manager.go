// Package uploads implements block-upload sessions: a blob is declared up
// front, its blocks are staged one at a time against the storage backend,
// and a final commit assembles them into a blob. Session bookkeeping lives
// in the mirror; the bytes only ever touch the backend.
package uploads

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/metrics"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
	"github.com/blobmirror/blobmirror/internal/repository"
	"github.com/blobmirror/blobmirror/internal/uid"
)

// maxBlockIDBytes is the backend's ceiling on a decoded block ID.
const maxBlockIDBytes = 64

// Manager drives the upload session state machine. A session is open from
// CreateUpload until Commit or Cancel deletes its row; operations against a
// deleted session report not-found rather than a state conflict.
type Manager struct {
	mirror  *mirror.Store
	backend backend.Client
	maxSize int64
	limits  query.Limits
}

// NewManager returns a Manager enforcing maxSize as the ceiling for a
// session's declared content length.
func NewManager(store *mirror.Store, client backend.Client, maxSize int64, limits query.Limits) *Manager {
	return &Manager{mirror: store, backend: client, maxSize: maxSize, limits: limits}
}

// CreateRequest declares a new upload session.
type CreateRequest struct {
	Container       string
	BlobName        string
	ContentLength   int64
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	Metadata        map[string]string
	Tags            map[string]string
}

// Create opens a session targeting a blob that does not yet exist in a
// container that does. No backend call happens here; the session is pure
// mirror bookkeeping until the first block arrives.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*api.Upload, error) {
	if err := repository.ValidateBlobName(req.BlobName); err != nil {
		return nil, err
	}
	if err := repository.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	if err := repository.ValidateTags(req.Tags); err != nil {
		return nil, err
	}
	if req.ContentLength <= 0 {
		return nil, apierr.Validation("contentLength must be positive, got %d", req.ContentLength)
	}
	if req.ContentLength > m.maxSize {
		return nil, apierr.Validation("contentLength %d exceeds the maximum of %d bytes", req.ContentLength, m.maxSize)
	}

	container, err := m.mirror.GetContainer(ctx, req.Container)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if container == nil {
		return nil, apierr.NotFound("container %q is not known", req.Container)
	}
	existing, err := m.mirror.GetBlob(ctx, req.Container, req.BlobName)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if existing != nil {
		return nil, apierr.Exists("blob %q already exists in container %q", req.BlobName, req.Container)
	}

	now := time.Now().UTC()
	rec := &mirror.UploadRecord{
		UploadID:        uid.New(),
		ContainerName:   req.Container,
		BlobName:        req.BlobName,
		ContentLength:   req.ContentLength,
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
		ContentLanguage: req.ContentLanguage,
		Metadata:        req.Metadata,
		Tags:            req.Tags,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if err := m.mirror.CreateUpload(ctx, rec); err != nil {
		return nil, apierr.ErrService.WithMessage("recording upload session: %v", err)
	}

	slog.Info("upload session opened",
		"upload_id", rec.UploadID,
		"container", rec.ContainerName,
		"blob", rec.BlobName,
		"content_length", rec.ContentLength)
	resp := api.UploadFromRecord(rec, 0)
	return &resp, nil
}

// StageBlock uploads one block's bytes to the backend and records it in the
// session. Re-staging a block ID replaces the earlier block, so retries are
// safe. A backend failure leaves no block record behind.
func (m *Manager) StageBlock(ctx context.Context, uploadID, blockID string, data []byte) (*api.Block, error) {
	if err := validateBlockID(blockID); err != nil {
		return nil, err
	}
	upload, err := m.getOpen(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := m.backend.StageBlock(ctx, upload.ContainerName, upload.BlobName, blockID, data); err != nil {
		return nil, repository.MapBackendError(err)
	}

	sum := md5.Sum(data)
	rec := &mirror.UploadBlockRecord{
		UploadID:   uploadID,
		BlockID:    blockID,
		BlockSize:  int64(len(data)),
		ContentMD5: base64.StdEncoding.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}
	// The backend holds the bytes already; losing the mirror row here would
	// only make the later commit reject a block the backend has. Detach from
	// request cancellation for the bookkeeping write.
	if err := m.mirror.UpsertUploadBlock(context.WithoutCancel(ctx), rec); err != nil {
		return nil, apierr.ErrService.WithMessage("recording staged block: %v", err)
	}

	resp := api.BlockFromRecord(rec)
	return &resp, nil
}

// Commit assembles the session's blocks into a blob. The supplied list is
// the assembly order and must name exactly the staged block set, every
// member once: a block never staged, or a staged block left out, fails as a
// bad request and leaves the session open.
func (m *Manager) Commit(ctx context.Context, uploadID string, blockIDs []string) (*api.Blob, error) {
	upload, err := m.getOpen(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(blockIDs) == 0 {
		return nil, apierr.Validation("commit requires at least one block ID")
	}

	staged, err := m.mirror.ListUploadBlocks(ctx, uploadID)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	stagedSet := make(map[string]bool, len(staged))
	for _, b := range staged {
		stagedSet[b.BlockID] = true
	}
	seen := make(map[string]bool, len(blockIDs))
	for _, id := range blockIDs {
		if !stagedSet[id] {
			return nil, apierr.Validation("block %q was never staged for this upload", id)
		}
		if seen[id] {
			return nil, apierr.Validation("block %q appears twice in the commit list", id)
		}
		seen[id] = true
	}
	for _, b := range staged {
		if !seen[b.BlockID] {
			return nil, apierr.Validation("staged block %q is missing from the commit list", b.BlockID)
		}
	}

	info, err := m.backend.CommitBlockList(ctx, upload.ContainerName, upload.BlobName, blockIDs, backend.BlobConfig{
		ContentType:     upload.ContentType,
		ContentEncoding: upload.ContentEncoding,
		ContentLanguage: upload.ContentLanguage,
		Metadata:        upload.Metadata,
		Tags:            upload.Tags,
	})
	if err != nil {
		return nil, repository.MapBackendError(err)
	}

	rec := blobRecordFromCommit(upload, info)
	// Backend truth exists now; the mirror write must land even if the
	// request is being torn down. Drift here is repaired only by the next
	// sync pass.
	if err := m.mirror.CommitUploadToBlob(context.WithoutCancel(ctx), uploadID, rec); err != nil {
		slog.Error("blob committed in backend but mirror update failed",
			"upload_id", uploadID,
			"container", upload.ContainerName,
			"blob", upload.BlobName,
			"error", err)
		return nil, apierr.ErrService.WithMessage("blob committed but not yet visible; a sync pass will reconcile")
	}

	slog.Info("upload session committed",
		"upload_id", uploadID,
		"container", upload.ContainerName,
		"blob", upload.BlobName,
		"blocks", len(blockIDs),
		"content_length", rec.ContentLength)
	resp := api.BlobFromRecord(rec)
	return &resp, nil
}

// Cancel discards a session and its staged block records. Cancelling an
// unknown or already-terminated session is not an error.
func (m *Manager) Cancel(ctx context.Context, uploadID string) error {
	found, err := m.mirror.DeleteUpload(ctx, uploadID)
	if err != nil {
		return apierr.ErrService.WithMessage("deleting upload session: %v", err)
	}
	if found {
		slog.Info("upload session cancelled", "upload_id", uploadID)
	}
	return nil
}

// Status reports a session's progress. A committed or cancelled session has
// no row and reports not-found.
func (m *Manager) Status(ctx context.Context, uploadID string) (*api.Upload, []api.Block, error) {
	upload, err := m.getOpen(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	staged, err := m.mirror.ListUploadBlocks(ctx, uploadID)
	if err != nil {
		return nil, nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	blocks := make([]api.Block, 0, len(staged))
	for i := range staged {
		blocks = append(blocks, api.BlockFromRecord(&staged[i]))
	}
	resp := api.UploadFromRecord(upload, len(staged))
	return &resp, blocks, nil
}

// List returns open sessions, optionally restricted to one container, as a
// query-engine page.
func (m *Manager) List(ctx context.Context, container string, opts query.Options) (*query.Page, error) {
	records, err := m.mirror.ListUploads(ctx, container)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	items := make([]api.Upload, 0, len(records))
	for i := range records {
		items = append(items, api.UploadFromRecord(&records[i], 0))
	}
	return query.Apply(items, api.UploadFields(), opts, m.limits)
}

// ReapStale deletes sessions idle longer than the TTL and returns how many
// were removed.
func (m *Manager) ReapStale(ctx context.Context, ttl time.Duration) (int, error) {
	reaped, err := m.mirror.ReapStaleUploads(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	for _, u := range reaped {
		slog.Info("reaped stale upload session",
			"upload_id", u.UploadID,
			"container", u.ContainerName,
			"blob", u.BlobName,
			"last_activity_at", u.LastActivityAt)
	}
	metrics.UploadsReapedTotal.Add(float64(len(reaped)))
	return len(reaped), nil
}

// getOpen resolves an open session or reports not-found. Terminated
// sessions have no row, so the two cases are indistinguishable on purpose.
func (m *Manager) getOpen(ctx context.Context, uploadID string) (*mirror.UploadRecord, error) {
	upload, err := m.mirror.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if upload == nil {
		return nil, apierr.NotFound("upload %q is not known", uploadID)
	}
	return upload, nil
}

// validateBlockID checks the backend's block ID rules: valid base64 whose
// decoded form is at most 64 bytes. The empty string decodes to zero bytes
// and is valid.
func validateBlockID(blockID string) error {
	decoded, err := base64.StdEncoding.DecodeString(blockID)
	if err != nil {
		return apierr.Validation("block ID %q is not valid base64", blockID)
	}
	if len(decoded) > maxBlockIDBytes {
		return apierr.Validation("block ID decodes to %d bytes, maximum is %d", len(decoded), maxBlockIDBytes)
	}
	return nil
}

// blobRecordFromCommit builds the mirror row for a just-committed blob.
// Authoritative ETag and timestamps come from the backend readback; the
// attributes staged on the session fill anything the backend omits.
func blobRecordFromCommit(upload *mirror.UploadRecord, info *backend.BlobInfo) *mirror.BlobRecord {
	rec := &mirror.BlobRecord{
		ContainerName:   upload.ContainerName,
		Name:            upload.BlobName,
		ETag:            info.ETag,
		LastModified:    info.LastModified,
		CreatedOn:       info.CreatedOn,
		ContentType:     info.ContentType,
		ContentEncoding: info.ContentEncoding,
		ContentLanguage: info.ContentLanguage,
		ContentLength:   info.ContentLength,
		Metadata:        info.Metadata,
		Tags:            info.Tags,
		BlobType:        mirror.ParseBlobType(info.BlobType),
	}
	if rec.ContentType == "" {
		rec.ContentType = upload.ContentType
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = upload.Metadata
	}
	if len(rec.Tags) == 0 {
		rec.Tags = upload.Tags
	}
	return rec
}
