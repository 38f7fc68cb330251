// Package repository implements the write-through discipline between the
// mirror and the backend: reads come from the mirror, mutations go to the
// backend first and touch the mirror only after the backend acknowledges.
package repository

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/metrics"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
)

// Repository serves the container and blob operations of the management
// surface.
type Repository struct {
	mirror  *mirror.Store
	backend backend.Client
	limits  query.Limits
}

// New creates a Repository over the given mirror and backend.
func New(store *mirror.Store, client backend.Client, limits query.Limits) *Repository {
	return &Repository{mirror: store, backend: client, limits: limits}
}

// Limits exposes the configured page-size bounds.
func (r *Repository) Limits() query.Limits { return r.limits }

// ContainerRequest carries the client-settable container attributes.
type ContainerRequest struct {
	PublicAccess string            `json:"publicAccess"`
	Metadata     map[string]string `json:"metadata"`
}

// BlobRequest carries the client-settable blob attributes.
type BlobRequest struct {
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding"`
	ContentLanguage string            `json:"contentLanguage"`
	Metadata        map[string]string `json:"metadata"`
	Tags            map[string]string `json:"tags"`
}

// MapBackendError translates a backend failure into the API error taxonomy.
// Upstream client errors keep their status; everything else is a 502.
func MapBackendError(err error) error {
	switch backend.StatusOf(err) {
	case http.StatusNotFound:
		return apierr.ErrNotFound.WithMessage("resource does not exist in the storage backend")
	case http.StatusConflict:
		return apierr.ErrExists.WithMessage("resource already exists in the storage backend")
	case http.StatusPreconditionFailed:
		return apierr.ErrPreconditionFailed
	case http.StatusRequestedRangeNotSatisfiable:
		return apierr.ErrRangeNotSatisfiable
	case http.StatusBadRequest:
		return apierr.ErrValidation.WithMessage("storage backend rejected the request: %v", err)
	}
	return apierr.ErrBadGateway.WithMessage("storage backend error: %v", err)
}

// observeHealFailure logs a failed removal of a stale mirror row. The next
// sync pass will prune it.
func observeHealFailure(kind, name string, err error) {
	slog.Warn("failed to heal stale mirror row", "kind", kind, "name", name, "error", err)
}

// observe records the outcome of one backend call.
func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BackendOps.WithLabelValues(op, outcome).Inc()
}

// mirrorWriteFailed handles a mirror mutation that failed after the backend
// already acknowledged. The rollback function undoes the backend change so
// the two stores do not drift; its own failure is logged and surfaced.
func mirrorWriteFailed(ctx context.Context, what string, mirrorErr error, rollback func(context.Context) error) error {
	slog.Error("mirror update failed after backend write, rolling back", "op", what, "error", mirrorErr)
	if rollback != nil {
		if rbErr := rollback(ctx); rbErr != nil {
			slog.Error("backend rollback failed, stores may diverge until next sync", "op", what, "error", rbErr)
		}
	}
	return apierr.ErrService.WithMessage("recording %s: %v", what, mirrorErr)
}

var (
	containerNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	metadataKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// validateContainerName enforces the container naming rules: 3-63
// characters, lowercase letters, digits and hyphens, starting and ending
// alphanumeric, no consecutive hyphens.
func validateContainerName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return apierr.Validation("container name must be 3-63 characters, got %d", len(name))
	}
	if !containerNameRe.MatchString(name) {
		return apierr.Validation("container name %q may contain only lowercase letters, digits and hyphens, and must start and end with a letter or digit", name)
	}
	if strings.Contains(name, "--") {
		return apierr.Validation("container name %q must not contain consecutive hyphens", name)
	}
	return nil
}

// ValidateBlobName enforces the blob naming rules: 1-1024 characters, no
// trailing slash or dot.
func ValidateBlobName(name string) error {
	if len(name) == 0 || len(name) > 1024 {
		return apierr.Validation("blob name must be 1-1024 characters, got %d", len(name))
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return apierr.Validation("blob name %q must not end with a slash or dot", name)
	}
	return nil
}

// ValidateMetadata enforces identifier-shaped metadata keys.
func ValidateMetadata(meta map[string]string) error {
	for k := range meta {
		if !metadataKeyRe.MatchString(k) {
			return apierr.Validation("metadata key %q is not a valid identifier", k)
		}
	}
	return nil
}

func ValidateTags(tags map[string]string) error {
	if len(tags) > 10 {
		return apierr.Validation("at most 10 tags are allowed, got %d", len(tags))
	}
	for k := range tags {
		if k == "" || len(k) > 128 {
			return apierr.Validation("tag key must be 1-128 characters")
		}
	}
	return nil
}

func parsePublicAccess(s string) (mirror.PublicAccess, error) {
	access, ok := mirror.ParsePublicAccess(s)
	if !ok {
		return 0, apierr.Validation("invalid publicAccess %q: must be none, blob or container", s)
	}
	return access, nil
}

// interrupted reports a context cancellation between the backend write and
// the mirror write. The mutation is applied anyway: the backend has already
// acknowledged, so dropping the mirror write would only create drift.
func interrupted(ctx context.Context, op string) {
	if ctx.Err() != nil {
		slog.Warn("request cancelled after backend write; mirror update proceeds", "op", op)
	}
}
