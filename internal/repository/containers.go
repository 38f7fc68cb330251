package repository

import (
	"context"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/conditional"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
)

// ListContainers serves a container listing entirely from the mirror.
func (r *Repository) ListContainers(ctx context.Context, opts query.Options) (*query.Page, error) {
	records, err := r.mirror.ListContainers(ctx)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	items := make([]api.Container, 0, len(records))
	for i := range records {
		items = append(items, api.ContainerFromRecord(&records[i]))
	}
	return query.Apply(items, api.ContainerFields(), opts, r.limits)
}

// GetContainer reads one container from the mirror, honoring conditional
// headers against the mirrored ETag and timestamp.
func (r *Repository) GetContainer(ctx context.Context, name string, cond conditional.Conditions) (*api.Container, conditional.Outcome, error) {
	rec, err := r.mirror.GetContainer(ctx, name)
	if err != nil {
		return nil, conditional.Proceed, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, conditional.Proceed, apierr.NotFound("container %q is not known", name)
	}
	outcome := conditional.Evaluate(rec.ETag, rec.LastModified, cond, true)
	if outcome == conditional.PreconditionFailed {
		return nil, outcome, apierr.ErrPreconditionFailed
	}
	c := api.ContainerFromRecord(rec)
	return &c, outcome, nil
}

// CreateContainer provisions a container: backend first, then the mirror.
func (r *Repository) CreateContainer(ctx context.Context, name string, req ContainerRequest) (*api.Container, error) {
	if err := validateContainerName(name); err != nil {
		return nil, err
	}
	if err := ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	access, err := parsePublicAccess(req.PublicAccess)
	if err != nil {
		return nil, err
	}

	existing, err := r.mirror.GetContainer(ctx, name)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if existing != nil {
		return nil, apierr.Exists("container %q already exists", name)
	}

	info, err := r.backend.CreateContainer(ctx, name, backend.ContainerConfig{
		PublicAccess: access.String(),
		Metadata:     req.Metadata,
	})
	observe("CreateContainer", err)
	if err != nil {
		return nil, MapBackendError(err)
	}
	interrupted(ctx, "CreateContainer")

	rec := containerRecordFromInfo(info, access, "")
	mctx := context.WithoutCancel(ctx)
	if err := r.mirror.UpsertContainer(mctx, rec); err != nil {
		return nil, mirrorWriteFailed(mctx, "container create", err, func(rbCtx context.Context) error {
			return r.backend.DeleteContainer(rbCtx, name)
		})
	}
	c := api.ContainerFromRecord(rec)
	return &c, nil
}

// UpdateContainer replaces the container's mutable attributes, honoring
// conditional headers against the mirrored state.
func (r *Repository) UpdateContainer(ctx context.Context, name string, req ContainerRequest, cond conditional.Conditions) (*api.Container, error) {
	if err := ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	access, err := parsePublicAccess(req.PublicAccess)
	if err != nil {
		return nil, err
	}

	rec, err := r.mirror.GetContainer(ctx, name)
	if err != nil {
		return nil, apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return nil, apierr.NotFound("container %q is not known", name)
	}
	if conditional.Evaluate(rec.ETag, rec.LastModified, cond, false) != conditional.Proceed {
		return nil, apierr.ErrPreconditionFailed
	}

	info, err := r.backend.UpdateContainer(ctx, name, backend.ContainerConfig{
		PublicAccess: access.String(),
		Metadata:     req.Metadata,
	})
	observe("UpdateContainer", err)
	if err != nil {
		if backend.IsNotFound(err) {
			// The backend lost the container while we mirrored it; drop
			// the stale row rather than keep serving a ghost.
			r.healContainer(ctx, name)
		}
		return nil, MapBackendError(err)
	}
	interrupted(ctx, "UpdateContainer")

	updated := containerRecordFromInfo(info, access, rec.CachedCopyID)
	updated.HasImmutabilityPolicy = rec.HasImmutabilityPolicy
	updated.HasLegalHold = rec.HasLegalHold
	updated.DefaultEncryptionScope = rec.DefaultEncryptionScope
	mctx := context.WithoutCancel(ctx)
	if err := r.mirror.UpsertContainer(mctx, updated); err != nil {
		return nil, mirrorWriteFailed(mctx, "container update", err, nil)
	}
	c := api.ContainerFromRecord(updated)
	return &c, nil
}

// DeleteContainer removes a container. A backend 404 is treated as success
// and still removes the mirror row, healing stale cache entries; any other
// backend failure leaves the mirror untouched.
func (r *Repository) DeleteContainer(ctx context.Context, name string, cond conditional.Conditions) error {
	rec, err := r.mirror.GetContainer(ctx, name)
	if err != nil {
		return apierr.ErrService.WithMessage("reading mirror: %v", err)
	}
	if rec == nil {
		return apierr.NotFound("container %q is not known", name)
	}
	if conditional.Evaluate(rec.ETag, rec.LastModified, cond, false) != conditional.Proceed {
		return apierr.ErrPreconditionFailed
	}

	err = r.backend.DeleteContainer(ctx, name)
	observe("DeleteContainer", err)
	if err != nil && !backend.IsNotFound(err) {
		return MapBackendError(err)
	}
	interrupted(ctx, "DeleteContainer")

	mctx := context.WithoutCancel(ctx)
	if _, err := r.mirror.DeleteContainer(mctx, name); err != nil {
		return mirrorWriteFailed(mctx, "container delete", err, nil)
	}
	return nil
}

// healContainer drops a mirror row the backend no longer has.
func (r *Repository) healContainer(ctx context.Context, name string) {
	if _, err := r.mirror.DeleteContainer(context.WithoutCancel(ctx), name); err != nil {
		observeHealFailure("container", name, err)
	}
}

func containerRecordFromInfo(info *backend.ContainerInfo, access mirror.PublicAccess, copyID string) *mirror.ContainerRecord {
	return &mirror.ContainerRecord{
		Name:         info.Name,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		PublicAccess: access,
		Metadata:     info.Metadata,
		CachedCopyID: copyID,
	}
}
