package repository

import (
	"context"
	"time"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/conditional"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
)

// ListBlobs serves a blob listing for one container from the mirror.
func (r *Repository) ListBlobs(ctx context.Context, container string, opts query.Options) (*query.Page, error) {
	rec, err := r.mirror.GetContainer(ctx, container)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, apierr.NotFound("container %q is not known", container)
	}

	records, err := r.mirror.ListBlobs(ctx, container)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	items := make([]api.Blob, 0, len(records))
	for i := range records {
		items = append(items, api.BlobFromRecord(&records[i]))
	}
	return query.Apply(items, api.BlobFields(), opts, r.limits)
}

// GetBlob reads one blob's attributes from the mirror, honoring conditional
// headers against the mirrored ETag and timestamp.
func (r *Repository) GetBlob(ctx context.Context, container, name string, cond conditional.Conditions) (*api.Blob, conditional.Outcome, error) {
	rec, err := r.mirror.GetBlob(ctx, container, name)
	if err != nil {
		return nil, conditional.Proceed, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, conditional.Proceed, apierr.NotFound("blob %q/%q is not known", container, name)
	}
	outcome := conditional.Evaluate(rec.ETag, rec.LastModified, cond, true)
	if outcome == conditional.PreconditionFailed {
		return nil, outcome, apierr.ErrPreconditionFailed
	}
	b := api.BlobFromRecord(rec)
	return &b, outcome, nil
}

// CreateBlob uploads a complete blob: backend first, then the mirror.
// Overwrites are allowed only when the caller's preconditions pass against
// the existing mirrored version.
func (r *Repository) CreateBlob(ctx context.Context, container, name string, data []byte, req BlobRequest, cond conditional.Conditions) (*api.Blob, error) {
	if err := ValidateBlobName(name); err != nil {
		return nil, err
	}
	if err := ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	if err := ValidateTags(req.Tags); err != nil {
		return nil, err
	}

	crec, err := r.mirror.GetContainer(ctx, container)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if crec == nil {
		return nil, apierr.NotFound("container %q is not known", container)
	}

	existing, err := r.mirror.GetBlob(ctx, container, name)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if existing != nil {
		if conditional.Evaluate(existing.ETag, existing.LastModified, cond, false) != conditional.Proceed {
			return nil, apierr.ErrPreconditionFailed
		}
	} else if cond.IfMatch != "" && cond.IfMatch != "*" {
		// If-Match against a blob that does not exist cannot succeed.
		return nil, apierr.ErrPreconditionFailed
	}

	info, err := r.backend.CreateBlob(ctx, container, name, data, blobConfig(req))
	observe("CreateBlob", err)
	if err != nil {
		return nil, MapBackendError(err)
	}
	interrupted(ctx, "CreateBlob")

	rec := blobRecordFromInfo(info, copyIDOf(existing))
	mctx := context.WithoutCancel(ctx)
	if err := r.mirror.UpsertBlob(mctx, rec); err != nil {
		return nil, mirrorWriteFailed(mctx, "blob create", err, func(rbCtx context.Context) error {
			return r.backend.DeleteBlob(rbCtx, container, name)
		})
	}
	b := api.BlobFromRecord(rec)
	return &b, nil
}

// UpdateBlob replaces the blob's mutable attributes without touching data.
func (r *Repository) UpdateBlob(ctx context.Context, container, name string, req BlobRequest, cond conditional.Conditions) (*api.Blob, error) {
	if err := ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	if err := ValidateTags(req.Tags); err != nil {
		return nil, err
	}

	rec, err := r.mirror.GetBlob(ctx, container, name)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, apierr.NotFound("blob %q/%q is not known", container, name)
	}
	if conditional.Evaluate(rec.ETag, rec.LastModified, cond, false) != conditional.Proceed {
		return nil, apierr.ErrPreconditionFailed
	}

	info, err := r.backend.UpdateBlob(ctx, container, name, blobConfig(req))
	observe("UpdateBlob", err)
	if err != nil {
		if backend.IsNotFound(err) {
			r.healBlob(ctx, container, name)
		}
		return nil, MapBackendError(err)
	}
	interrupted(ctx, "UpdateBlob")

	updated := blobRecordFromInfo(info, rec.CachedCopyID)
	updated.LegalHold = rec.LegalHold
	updated.RetainUntil = rec.RetainUntil
	updated.ExpiresOn = rec.ExpiresOn
	mctx := context.WithoutCancel(ctx)
	if err := r.mirror.UpsertBlob(mctx, updated); err != nil {
		return nil, mirrorWriteFailed(mctx, "blob update", err, nil)
	}
	b := api.BlobFromRecord(updated)
	return &b, nil
}

// DeleteBlob removes a blob. The failure handling is deliberately
// asymmetric: a backend 404 counts as success and still removes the mirror
// row (the cache was stale), while any other backend rejection leaves the
// mirror untouched so the blob stays visible.
func (r *Repository) DeleteBlob(ctx context.Context, container, name string, cond conditional.Conditions) error {
	rec, err := r.mirror.GetBlob(ctx, container, name)
	if err != nil {
		return apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return apierr.NotFound("blob %q/%q is not known", container, name)
	}
	if conditional.Evaluate(rec.ETag, rec.LastModified, cond, false) != conditional.Proceed {
		return apierr.ErrPreconditionFailed
	}

	err = r.backend.DeleteBlob(ctx, container, name)
	observe("DeleteBlob", err)
	if err != nil && !backend.IsNotFound(err) {
		return MapBackendError(err)
	}
	interrupted(ctx, "DeleteBlob")

	mctx := context.WithoutCancel(ctx)
	if _, err := r.mirror.DeleteBlob(mctx, container, name); err != nil {
		return mirrorWriteFailed(mctx, "blob delete", err, nil)
	}
	return nil
}

// DownloadBlob streams blob data from the backend. Existence and
// preconditions are checked against the mirror before the backend is
// touched, so a stale read never reaches upstream.
func (r *Repository) DownloadBlob(ctx context.Context, container, name string, rng *backend.Range, cond conditional.Conditions) (*backend.Download, conditional.Outcome, error) {
	rec, err := r.mirror.GetBlob(ctx, container, name)
	if err != nil {
		return nil, conditional.Proceed, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, conditional.Proceed, apierr.NotFound("blob %q/%q is not known", container, name)
	}
	switch conditional.Evaluate(rec.ETag, rec.LastModified, cond, true) {
	case conditional.NotModified:
		return nil, conditional.NotModified, nil
	case conditional.PreconditionFailed:
		return nil, conditional.PreconditionFailed, apierr.ErrPreconditionFailed
	}

	dl, err := r.backend.DownloadBlob(ctx, container, name, rng)
	observe("DownloadBlob", err)
	if err != nil {
		if backend.IsNotFound(err) {
			r.healBlob(ctx, container, name)
		}
		return nil, conditional.Proceed, MapBackendError(err)
	}

	// Best-effort access stamp; losing it costs nothing.
	if err := r.mirror.TouchBlobAccess(context.WithoutCancel(ctx), container, name, time.Now().UTC()); err != nil {
		observeHealFailure("blob access stamp", container+"/"+name, err)
	}
	return dl, conditional.Proceed, nil
}

// healBlob drops a mirror row the backend no longer has.
func (r *Repository) healBlob(ctx context.Context, container, name string) {
	if _, err := r.mirror.DeleteBlob(context.WithoutCancel(ctx), container, name); err != nil {
		observeHealFailure("blob", container+"/"+name, err)
	}
}

func blobConfig(req BlobRequest) backend.BlobConfig {
	return backend.BlobConfig{
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
		ContentLanguage: req.ContentLanguage,
		Metadata:        req.Metadata,
		Tags:            req.Tags,
	}
}

func blobRecordFromInfo(info *backend.BlobInfo, copyID string) *mirror.BlobRecord {
	return &mirror.BlobRecord{
		ContainerName:   info.Container,
		Name:            info.Name,
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
		CachedCopyID:    copyID,
	}
}

func copyIDOf(rec *mirror.BlobRecord) string {
	if rec == nil {
		return ""
	}
	return rec.CachedCopyID
}
