// Package backend defines the interface and implementations for the
// authoritative object-storage service that blobmirror fronts. Every
// mutation goes to the backend first; the mirror is updated only after the
// backend acknowledges.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ContainerConfig carries the mutable container attributes for create and
// update calls.
type ContainerConfig struct {
	PublicAccess string
	Metadata     map[string]string
}

// BlobConfig carries the mutable blob attributes for create, update and
// commit calls.
type BlobConfig struct {
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	Metadata        map[string]string
	Tags            map[string]string
}

// ContainerInfo is the backend's view of a container after an operation.
type ContainerInfo struct {
	Name         string
	ETag         string
	LastModified time.Time
	PublicAccess string
	Metadata     map[string]string
}

// BlobInfo is the backend's view of a blob after an operation.
type BlobInfo struct {
	Container       string
	Name            string
	ETag            string
	LastModified    time.Time
	CreatedOn       time.Time
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	ContentLength   int64
	Metadata        map[string]string
	Tags            map[string]string
	BlobType        string
}

// Range selects a byte window of a download. A zero Count means "to the
// end of the blob".
type Range struct {
	Offset int64
	Count  int64
}

// Download is an open data stream. The caller must close Body.
type Download struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentRange  string
	ContentType   string
	ETag          string
	LastModified  time.Time
}

// Listing is a full snapshot of the backend's namespace, consumed by the
// synchronizer. Blobs is keyed by container name.
type Listing struct {
	Containers []ContainerInfo
	Blobs      map[string][]BlobInfo
}

// Client is the operation surface blobmirror needs from a storage backend.
// All methods must be safe for concurrent use.
type Client interface {
	// CreateContainer provisions a new container. Fails with a conflict
	// error if the name is taken.
	CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error)

	// UpdateContainer replaces the container's mutable attributes.
	UpdateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error)

	// DeleteContainer removes the container and everything in it.
	DeleteContainer(ctx context.Context, name string) error

	// CreateBlob uploads a complete blob in one call.
	CreateBlob(ctx context.Context, container, name string, data []byte, cfg BlobConfig) (*BlobInfo, error)

	// UpdateBlob replaces the blob's mutable attributes without touching
	// its data.
	UpdateBlob(ctx context.Context, container, name string, cfg BlobConfig) (*BlobInfo, error)

	// DeleteBlob removes the blob.
	DeleteBlob(ctx context.Context, container, name string) error

	// DownloadBlob opens the blob's data stream, optionally windowed.
	DownloadBlob(ctx context.Context, container, name string, rng *Range) (*Download, error)

	// StageBlock uploads one block of an in-progress blob. Staged blocks
	// are invisible until committed.
	StageBlock(ctx context.Context, container, name, blockID string, data []byte) error

	// CommitBlockList assembles previously staged blocks, in the given
	// order, into the final blob.
	CommitBlockList(ctx context.Context, container, name string, blockIDs []string, cfg BlobConfig) (*BlobInfo, error)

	// ListAll enumerates every container and blob for a sync pass.
	ListAll(ctx context.Context) (*Listing, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Error is a classified backend failure. StatusCode carries the upstream
// HTTP status when one is known, zero otherwise.
type Error struct {
	Op         string
	Code       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend %s: %s (status %d): %v", e.Op, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether the error is an upstream 404.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is an upstream 409.
func IsConflict(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.StatusCode == http.StatusConflict
}

// StatusOf returns the upstream HTTP status, or zero when the error carries
// none.
func StatusOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.StatusCode
	}
	return 0
}
