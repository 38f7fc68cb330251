// The GCS backend proxies container and blob operations onto a single
// upstream Google Cloud Storage bucket via the official Go client library.
//
// Key mapping mirrors the S3 backend:
//
//	Containers: {prefix}.containers/{container}     (marker object, JSON config)
//	Blobs:      {prefix}{container}/{blob}
//	Blocks:     {prefix}.blocks/{container}/{blob}/{encoded block id}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSAttrs is the object attribute set the backend exchanges with GCS.
type GCSAttrs struct {
	Name            string
	ETag            string
	Size            int64
	Created         time.Time
	Updated         time.Time
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	Metadata        map[string]string
}

// GCSAPI is the subset of the GCS client the backend uses, scoped to one
// upstream bucket. Narrowing the surface keeps tests to a small fake.
type GCSAPI interface {
	// Write stores an object, replacing any existing one, and returns its
	// resulting attributes.
	Write(ctx context.Context, object string, data []byte, attrs *GCSAttrs) (*GCSAttrs, error)
	// NewRangeReader opens a reader over [offset, offset+length). A negative
	// length reads to the end of the object.
	NewRangeReader(ctx context.Context, object string, offset, length int64) (io.ReadCloser, error)
	// Attrs returns the attributes of the given object.
	Attrs(ctx context.Context, object string) (*GCSAttrs, error)
	// Update rewrites the object's mutable attributes in place.
	Update(ctx context.Context, object string, attrs *GCSAttrs) (*GCSAttrs, error)
	// Delete removes the given object.
	Delete(ctx context.Context, object string) error
	// List returns the attributes of every object under the prefix.
	List(ctx context.Context, prefix string) ([]*GCSAttrs, error)
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	bucket *gcs.BucketHandle
}

func fromObjectAttrs(a *gcs.ObjectAttrs) *GCSAttrs {
	return &GCSAttrs{
		Name:            a.Name,
		ETag:            a.Etag,
		Size:            a.Size,
		Created:         a.Created,
		Updated:         a.Updated,
		ContentType:     a.ContentType,
		ContentEncoding: a.ContentEncoding,
		ContentLanguage: a.ContentLanguage,
		Metadata:        a.Metadata,
	}
}

func (c *realGCSClient) Write(ctx context.Context, object string, data []byte, attrs *GCSAttrs) (*GCSAttrs, error) {
	w := c.bucket.Object(object).NewWriter(ctx)
	if attrs != nil {
		w.ContentType = attrs.ContentType
		w.ContentEncoding = attrs.ContentEncoding
		w.ContentLanguage = attrs.ContentLanguage
		w.Metadata = attrs.Metadata
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return fromObjectAttrs(w.Attrs()), nil
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, object string, offset, length int64) (io.ReadCloser, error) {
	return c.bucket.Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Attrs(ctx context.Context, object string) (*GCSAttrs, error) {
	attrs, err := c.bucket.Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(attrs), nil
}

func (c *realGCSClient) Update(ctx context.Context, object string, attrs *GCSAttrs) (*GCSAttrs, error) {
	updated, err := c.bucket.Object(object).Update(ctx, gcs.ObjectAttrsToUpdate{
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		ContentLanguage: attrs.ContentLanguage,
		Metadata:        attrs.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return fromObjectAttrs(updated), nil
}

func (c *realGCSClient) Delete(ctx context.Context, object string) error {
	return c.bucket.Object(object).Delete(ctx)
}

func (c *realGCSClient) List(ctx context.Context, prefix string) ([]*GCSAttrs, error) {
	it := c.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []*GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, fromObjectAttrs(attrs))
	}
	return out, nil
}

// GCSBackend implements Client against an upstream GCS bucket.
type GCSBackend struct {
	Bucket string
	Prefix string
	client GCSAPI
}

// NewGCSBackend creates a GCS backend against the given upstream bucket,
// verifying it is reachable.
func NewGCSBackend(ctx context.Context, bucket, prefix string) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCSBackend{
		Bucket: bucket,
		Prefix: prefix,
		client: &realGCSClient{bucket: client.Bucket(bucket)},
	}

	if _, err := b.client.List(ctx, prefix+".containers/\x00"); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS backend initialized", "bucket", bucket, "prefix", prefix)
	return b, nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured client,
// primarily for tests.
func NewGCSBackendWithClient(bucket, prefix string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *GCSBackend) markerKey(container string) string {
	return b.Prefix + ".containers/" + container
}

func (b *GCSBackend) blobKey(container, name string) string {
	return b.Prefix + container + "/" + name
}

func (b *GCSBackend) blockKey(container, name, blockID string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(blockID))
	return b.Prefix + ".blocks/" + container + "/" + name + "/" + enc
}

func (b *GCSBackend) CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return nil, gcsError("CreateContainer", err)
	}
	if exists {
		return nil, &Error{Op: "CreateContainer", Code: "ContainerAlreadyExists", StatusCode: http.StatusConflict,
			Err: fmt.Errorf("container %q already exists", name)}
	}
	return b.putMarker(ctx, "CreateContainer", name, cfg)
}

func (b *GCSBackend) UpdateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return nil, gcsError("UpdateContainer", err)
	}
	if !exists {
		return nil, containerNotFound("UpdateContainer", name)
	}
	return b.putMarker(ctx, "UpdateContainer", name, cfg)
}

func (b *GCSBackend) putMarker(ctx context.Context, op, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	body, err := json.Marshal(containerMarker{PublicAccess: cfg.PublicAccess, Metadata: cfg.Metadata})
	if err != nil {
		return nil, fmt.Errorf("marshaling container marker: %w", err)
	}
	attrs, err := b.client.Write(ctx, b.markerKey(name), body, &GCSAttrs{ContentType: "application/json"})
	if err != nil {
		return nil, gcsError(op, err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         attrs.ETag,
		LastModified: attrs.Updated,
		PublicAccess: cfg.PublicAccess,
		Metadata:     cfg.Metadata,
	}, nil
}

func (b *GCSBackend) DeleteContainer(ctx context.Context, name string) error {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return gcsError("DeleteContainer", err)
	}
	if !exists {
		return containerNotFound("DeleteContainer", name)
	}

	// Remove contents, staged blocks, then the marker itself.
	for _, prefix := range []string{b.Prefix + name + "/", b.Prefix + ".blocks/" + name + "/"} {
		if err := b.deletePrefix(ctx, prefix); err != nil {
			return gcsError("DeleteContainer", err)
		}
	}
	if err := b.client.Delete(ctx, b.markerKey(name)); err != nil && !isGCSNotFound(err) {
		return gcsError("DeleteContainer", err)
	}
	return nil
}

func (b *GCSBackend) CreateBlob(ctx context.Context, container, name string, data []byte, cfg BlobConfig) (*BlobInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(container))
	if err != nil {
		return nil, gcsError("CreateBlob", err)
	}
	if !exists {
		return nil, containerNotFound("CreateBlob", container)
	}

	attrs, err := b.client.Write(ctx, b.blobKey(container, name), data, &GCSAttrs{
		ContentType:     cfg.ContentType,
		ContentEncoding: cfg.ContentEncoding,
		ContentLanguage: cfg.ContentLanguage,
		Metadata:        packMetadata(cfg),
	})
	if err != nil {
		return nil, gcsError("CreateBlob", err)
	}
	return b.blobInfo(container, name, attrs), nil
}

func (b *GCSBackend) UpdateBlob(ctx context.Context, container, name string, cfg BlobConfig) (*BlobInfo, error) {
	attrs, err := b.client.Update(ctx, b.blobKey(container, name), &GCSAttrs{
		ContentType:     cfg.ContentType,
		ContentEncoding: cfg.ContentEncoding,
		ContentLanguage: cfg.ContentLanguage,
		Metadata:        packMetadata(cfg),
	})
	if err != nil {
		if isGCSNotFound(err) {
			return nil, blobNotFound("UpdateBlob", container, name)
		}
		return nil, gcsError("UpdateBlob", err)
	}
	return b.blobInfo(container, name, attrs), nil
}

func (b *GCSBackend) DeleteBlob(ctx context.Context, container, name string) error {
	err := b.client.Delete(ctx, b.blobKey(container, name))
	if err != nil {
		if isGCSNotFound(err) {
			return blobNotFound("DeleteBlob", container, name)
		}
		return gcsError("DeleteBlob", err)
	}
	return nil
}

func (b *GCSBackend) DownloadBlob(ctx context.Context, container, name string, rng *Range) (*Download, error) {
	key := b.blobKey(container, name)
	attrs, err := b.client.Attrs(ctx, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, blobNotFound("DownloadBlob", container, name)
		}
		return nil, gcsError("DownloadBlob", err)
	}

	offset, length := int64(0), int64(-1)
	if rng != nil {
		offset = rng.Offset
		if rng.Count > 0 {
			length = rng.Count
		}
	}

	body, err := b.client.NewRangeReader(ctx, key, offset, length)
	if err != nil {
		return nil, gcsError("DownloadBlob", err)
	}

	dl := &Download{
		Body:          body,
		ContentLength: attrs.Size,
		ContentType:   attrs.ContentType,
		ETag:          attrs.ETag,
		LastModified:  attrs.Updated,
	}
	if rng != nil {
		// GCS readers carry no Content-Range; synthesize one from the attrs.
		end := attrs.Size - 1
		if length > 0 && offset+length-1 < end {
			end = offset + length - 1
		}
		dl.ContentLength = end - offset + 1
		dl.ContentRange = fmt.Sprintf("bytes %d-%d/%d", offset, end, attrs.Size)
	}
	return dl, nil
}

func (b *GCSBackend) StageBlock(ctx context.Context, container, name, blockID string, data []byte) error {
	if _, err := b.client.Write(ctx, b.blockKey(container, name, blockID), data, nil); err != nil {
		return gcsError("StageBlock", err)
	}
	return nil
}

func (b *GCSBackend) CommitBlockList(ctx context.Context, container, name string, blockIDs []string, cfg BlobConfig) (*BlobInfo, error) {
	// Assemble the staged blocks in the caller's order.
	var assembled bytes.Buffer
	for _, id := range blockIDs {
		body, err := b.client.NewRangeReader(ctx, b.blockKey(container, name, id), 0, -1)
		if err != nil {
			if isGCSNotFound(err) {
				return nil, &Error{Op: "CommitBlockList", Code: "InvalidBlockList", StatusCode: http.StatusBadRequest,
					Err: fmt.Errorf("block %q is not staged", id)}
			}
			return nil, gcsError("CommitBlockList", err)
		}
		_, copyErr := io.Copy(&assembled, body)
		body.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("reading staged block %q: %w", id, copyErr)
		}
	}

	info, err := b.CreateBlob(ctx, container, name, assembled.Bytes(), cfg)
	if err != nil {
		return nil, err
	}

	// Staged blocks are scratch data; their cleanup is best-effort.
	if err := b.deletePrefix(ctx, b.Prefix+".blocks/"+container+"/"+name+"/"); err != nil {
		slog.Warn("failed to clean up staged blocks", "container", container, "blob", name, "error", err)
	}
	return info, nil
}

func (b *GCSBackend) ListAll(ctx context.Context) (*Listing, error) {
	objects, err := b.client.List(ctx, b.Prefix)
	if err != nil {
		return nil, gcsError("ListAll", err)
	}

	listing := &Listing{Blobs: map[string][]BlobInfo{}}
	markerPrefix := b.Prefix + ".containers/"
	blocksPrefix := b.Prefix + ".blocks/"

	var blobObjects []*GCSAttrs
	for _, attrs := range objects {
		switch {
		case strings.HasPrefix(attrs.Name, markerPrefix):
			name := strings.TrimPrefix(attrs.Name, markerPrefix)
			info, err := b.readMarker(ctx, name, attrs)
			if err != nil {
				return nil, err
			}
			listing.Containers = append(listing.Containers, *info)
		case strings.HasPrefix(attrs.Name, blocksPrefix):
			// Scratch data, not part of the namespace.
		default:
			blobObjects = append(blobObjects, attrs)
		}
	}

	known := make(map[string]bool, len(listing.Containers))
	for _, c := range listing.Containers {
		known[c.Name] = true
	}

	for _, attrs := range blobObjects {
		rel := strings.TrimPrefix(attrs.Name, b.Prefix)
		container, blobName, ok := strings.Cut(rel, "/")
		if !ok || !known[container] {
			continue
		}
		listing.Blobs[container] = append(listing.Blobs[container], *b.blobInfo(container, blobName, attrs))
	}
	return listing, nil
}

func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.List(ctx, b.Prefix+".containers/\x00"); err != nil {
		return gcsError("HealthCheck", err)
	}
	return nil
}

func (b *GCSBackend) readMarker(ctx context.Context, name string, attrs *GCSAttrs) (*ContainerInfo, error) {
	body, err := b.client.NewRangeReader(ctx, b.markerKey(name), 0, -1)
	if err != nil {
		return nil, gcsError("ListAll", err)
	}
	defer body.Close()

	var marker containerMarker
	if err := json.NewDecoder(body).Decode(&marker); err != nil {
		return nil, fmt.Errorf("decoding container marker %q: %w", name, err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         attrs.ETag,
		LastModified: attrs.Updated,
		PublicAccess: marker.PublicAccess,
		Metadata:     marker.Metadata,
	}, nil
}

func (b *GCSBackend) blobInfo(container, name string, attrs *GCSAttrs) *BlobInfo {
	meta, tags := unpackMetadata(attrs.Metadata)
	created := attrs.Created
	if created.IsZero() {
		created = attrs.Updated
	}
	return &BlobInfo{
		Container:       container,
		Name:            name,
		ETag:            attrs.ETag,
		LastModified:    attrs.Updated,
		CreatedOn:       created,
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		ContentLanguage: attrs.ContentLanguage,
		ContentLength:   attrs.Size,
		Metadata:        meta,
		Tags:            tags,
		BlobType:        "block",
	}
}

func (b *GCSBackend) keyExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, key)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *GCSBackend) deletePrefix(ctx context.Context, prefix string) error {
	objects, err := b.client.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, attrs := range objects {
		if err := b.client.Delete(ctx, attrs.Name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %s: %w", attrs.Name, err)
		}
	}
	return nil
}

// gcsError classifies a GCS client failure by its googleapi status.
func gcsError(op string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	e := &Error{Op: op, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		e.StatusCode = apiErr.Code
		if len(apiErr.Errors) > 0 {
			e.Code = apiErr.Errors[0].Reason
		}
	}
	if e.StatusCode == 0 && isGCSNotFound(err) {
		e.StatusCode = http.StatusNotFound
	}
	return e
}

// isGCSNotFound checks for the various shapes of a GCS 404.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}

var _ Client = (*GCSBackend)(nil)
