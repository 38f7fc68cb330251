// The S3 backend proxies container and blob operations onto a single
// upstream Amazon S3 bucket via the AWS SDK for Go v2.
//
// Key mapping:
//
//	Containers: {prefix}.containers/{container}     (marker object, JSON config)
//	Blobs:      {prefix}{container}/{blob}
//	Blocks:     {prefix}.blocks/{container}/{blob}/{encoded block id}
//
// Credentials are resolved via the standard AWS credential chain unless
// static keys are configured.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// tagsMetadataKey is the reserved S3 user-metadata key carrying blob tags
// as JSON, since the marker scheme does not use object tagging.
const tagsMetadataKey = "blobmirror-tags"

// S3API is the subset of the AWS S3 client the backend uses. Narrowing the
// surface keeps tests to a small fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend implements Client against an upstream S3 bucket.
type S3Backend struct {
	Bucket string
	Prefix string
	client S3API
}

// containerMarker is the JSON body of a container marker object.
type containerMarker struct {
	PublicAccess string            `json:"publicAccess"`
	Metadata     map[string]string `json:"metadata"`
}

// NewS3Backend creates an S3 backend against the given upstream bucket,
// verifying it is reachable.
func NewS3Backend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpointURL) })
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	client := s3.NewFromConfig(cfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("S3 backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return &S3Backend{Bucket: bucket, Prefix: prefix, client: client}, nil
}

// NewS3BackendWithClient creates an S3Backend with a pre-configured client,
// primarily for tests.
func NewS3BackendWithClient(bucket, prefix string, client S3API) *S3Backend {
	return &S3Backend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *S3Backend) markerKey(container string) string {
	return b.Prefix + ".containers/" + container
}

func (b *S3Backend) blobKey(container, name string) string {
	return b.Prefix + container + "/" + name
}

// blockKey encodes the block ID so base64 padding and slashes cannot break
// the key layout.
func (b *S3Backend) blockKey(container, name, blockID string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(blockID))
	return b.Prefix + ".blocks/" + container + "/" + name + "/" + enc
}

func (b *S3Backend) CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return nil, awsError("CreateContainer", err)
	}
	if exists {
		return nil, &Error{Op: "CreateContainer", Code: "ContainerAlreadyExists", StatusCode: http.StatusConflict,
			Err: fmt.Errorf("container %q already exists", name)}
	}
	return b.putMarker(ctx, "CreateContainer", name, cfg)
}

func (b *S3Backend) UpdateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return nil, awsError("UpdateContainer", err)
	}
	if !exists {
		return nil, containerNotFound("UpdateContainer", name)
	}
	return b.putMarker(ctx, "UpdateContainer", name, cfg)
}

func (b *S3Backend) putMarker(ctx context.Context, op, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	body, err := json.Marshal(containerMarker{PublicAccess: cfg.PublicAccess, Metadata: cfg.Metadata})
	if err != nil {
		return nil, fmt.Errorf("marshaling container marker: %w", err)
	}
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.Bucket),
		Key:         aws.String(b.markerKey(name)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, awsError(op, err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         aws.ToString(out.ETag),
		LastModified: time.Now().UTC(),
		PublicAccess: cfg.PublicAccess,
		Metadata:     cfg.Metadata,
	}, nil
}

func (b *S3Backend) DeleteContainer(ctx context.Context, name string) error {
	exists, err := b.keyExists(ctx, b.markerKey(name))
	if err != nil {
		return awsError("DeleteContainer", err)
	}
	if !exists {
		return containerNotFound("DeleteContainer", name)
	}

	// Remove contents, staged blocks, then the marker itself.
	for _, prefix := range []string{b.Prefix + name + "/", b.Prefix + ".blocks/" + name + "/"} {
		if err := b.deletePrefix(ctx, prefix); err != nil {
			return awsError("DeleteContainer", err)
		}
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.markerKey(name)),
	}); err != nil {
		return awsError("DeleteContainer", err)
	}
	return nil
}

func (b *S3Backend) CreateBlob(ctx context.Context, container, name string, data []byte, cfg BlobConfig) (*BlobInfo, error) {
	exists, err := b.keyExists(ctx, b.markerKey(container))
	if err != nil {
		return nil, awsError("CreateBlob", err)
	}
	if !exists {
		return nil, containerNotFound("CreateBlob", container)
	}

	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(b.blobKey(container, name)),
		Body:            bytes.NewReader(data),
		ContentType:     nonEmpty(cfg.ContentType),
		ContentEncoding: nonEmpty(cfg.ContentEncoding),
		ContentLanguage: nonEmpty(cfg.ContentLanguage),
		Metadata:        packMetadata(cfg),
	})
	if err != nil {
		return nil, awsError("CreateBlob", err)
	}
	now := time.Now().UTC()
	return &BlobInfo{
		Container:       container,
		Name:            name,
		ETag:            aws.ToString(out.ETag),
		LastModified:    now,
		CreatedOn:       now,
		ContentType:     cfg.ContentType,
		ContentEncoding: cfg.ContentEncoding,
		ContentLanguage: cfg.ContentLanguage,
		ContentLength:   int64(len(data)),
		Metadata:        cfg.Metadata,
		Tags:            cfg.Tags,
		BlobType:        "block",
	}, nil
}

func (b *S3Backend) UpdateBlob(ctx context.Context, container, name string, cfg BlobConfig) (*BlobInfo, error) {
	key := b.blobKey(container, name)
	// S3 cannot rewrite metadata in place; a self-copy with REPLACE does it.
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.Bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(b.Bucket + "/" + key),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       nonEmpty(cfg.ContentType),
		ContentEncoding:   nonEmpty(cfg.ContentEncoding),
		ContentLanguage:   nonEmpty(cfg.ContentLanguage),
		Metadata:          packMetadata(cfg),
	})
	if err != nil {
		return nil, awsError("UpdateBlob", err)
	}
	return b.headBlob(ctx, "UpdateBlob", container, name)
}

func (b *S3Backend) DeleteBlob(ctx context.Context, container, name string) error {
	// S3 deletes are silently idempotent; probe first so a missing blob
	// surfaces as 404 like the other backends.
	exists, err := b.keyExists(ctx, b.blobKey(container, name))
	if err != nil {
		return awsError("DeleteBlob", err)
	}
	if !exists {
		return blobNotFound("DeleteBlob", container, name)
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.blobKey(container, name)),
	}); err != nil {
		return awsError("DeleteBlob", err)
	}
	return nil
}

func (b *S3Backend) DownloadBlob(ctx context.Context, container, name string, rng *Range) (*Download, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.blobKey(container, name)),
	}
	if rng != nil {
		if rng.Count > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Count-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", rng.Offset))
		}
	}
	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, awsError("DownloadBlob", err)
	}
	return &Download{
		Body:          out.Body,
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentRange:  aws.ToString(out.ContentRange),
		ContentType:   aws.ToString(out.ContentType),
		ETag:          aws.ToString(out.ETag),
		LastModified:  aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3Backend) StageBlock(ctx context.Context, container, name, blockID string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.blockKey(container, name, blockID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return awsError("StageBlock", err)
	}
	return nil
}

func (b *S3Backend) CommitBlockList(ctx context.Context, container, name string, blockIDs []string, cfg BlobConfig) (*BlobInfo, error) {
	// Assemble the staged blocks in the caller's order.
	var assembled bytes.Buffer
	for _, id := range blockIDs {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(b.blockKey(container, name, id)),
		})
		if err != nil {
			if isAWSNotFound(err) {
				return nil, &Error{Op: "CommitBlockList", Code: "InvalidBlockList", StatusCode: http.StatusBadRequest,
					Err: fmt.Errorf("block %q is not staged", id)}
			}
			return nil, awsError("CommitBlockList", err)
		}
		_, copyErr := io.Copy(&assembled, out.Body)
		out.Body.Close()
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

func (b *S3Backend) ListAll(ctx context.Context) (*Listing, error) {
	keys, err := b.listKeys(ctx, b.Prefix)
	if err != nil {
		return nil, awsError("ListAll", err)
	}

	listing := &Listing{Blobs: map[string][]BlobInfo{}}
	markerPrefix := b.Prefix + ".containers/"
	blocksPrefix := b.Prefix + ".blocks/"

	var blobKeys []types.Object
	for _, obj := range keys {
		key := aws.ToString(obj.Key)
		switch {
		case strings.HasPrefix(key, markerPrefix):
			name := strings.TrimPrefix(key, markerPrefix)
			info, err := b.readMarker(ctx, name, obj)
			if err != nil {
				return nil, err
			}
			listing.Containers = append(listing.Containers, *info)
		case strings.HasPrefix(key, blocksPrefix):
			// Scratch data, not part of the namespace.
		default:
			blobKeys = append(blobKeys, obj)
		}
	}

	known := make(map[string]bool, len(listing.Containers))
	for _, c := range listing.Containers {
		known[c.Name] = true
	}

	for _, obj := range blobKeys {
		rel := strings.TrimPrefix(aws.ToString(obj.Key), b.Prefix)
		container, blobName, ok := strings.Cut(rel, "/")
		if !ok || !known[container] {
			continue
		}
		info, err := b.headBlob(ctx, "ListAll", container, blobName)
		if err != nil {
			return nil, err
		}
		info.LastModified = aws.ToTime(obj.LastModified)
		listing.Blobs[container] = append(listing.Blobs[container], *info)
	}
	return listing, nil
}

func (b *S3Backend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)}); err != nil {
		return awsError("HealthCheck", err)
	}
	return nil
}

func (b *S3Backend) readMarker(ctx context.Context, name string, obj types.Object) (*ContainerInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.markerKey(name)),
	})
	if err != nil {
		return nil, awsError("ListAll", err)
	}
	defer out.Body.Close()

	var marker containerMarker
	if err := json.NewDecoder(out.Body).Decode(&marker); err != nil {
		return nil, fmt.Errorf("decoding container marker %q: %w", name, err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         aws.ToString(obj.ETag),
		LastModified: aws.ToTime(obj.LastModified),
		PublicAccess: marker.PublicAccess,
		Metadata:     marker.Metadata,
	}, nil
}

func (b *S3Backend) headBlob(ctx context.Context, op, container, name string) (*BlobInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.blobKey(container, name)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, blobNotFound(op, container, name)
		}
		return nil, awsError(op, err)
	}
	meta, tags := unpackMetadata(out.Metadata)
	return &BlobInfo{
		Container:       container,
		Name:            name,
		ETag:            aws.ToString(out.ETag),
		LastModified:    aws.ToTime(out.LastModified),
		CreatedOn:       aws.ToTime(out.LastModified),
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		ContentLanguage: aws.ToString(out.ContentLanguage),
		ContentLength:   aws.ToInt64(out.ContentLength),
		Metadata:        meta,
		Tags:            tags,
		BlobType:        "block",
	}, nil
}

func (b *S3Backend) keyExists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *S3Backend) listKeys(ctx context.Context, prefix string) ([]types.Object, error) {
	var keys []types.Object
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, out.Contents...)
		if out.IsTruncated == nil || !*out.IsTruncated {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (b *S3Backend) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.listKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		batch := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range keys[start:end] {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// packMetadata folds blob tags into the S3 user-metadata map under a
// reserved key.
func packMetadata(cfg BlobConfig) map[string]string {
	out := make(map[string]string, len(cfg.Metadata)+1)
	for k, v := range cfg.Metadata {
		out[k] = v
	}
	if len(cfg.Tags) > 0 {
		if raw, err := json.Marshal(cfg.Tags); err == nil {
			out[tagsMetadataKey] = string(raw)
		}
	}
	return out
}

func unpackMetadata(m map[string]string) (meta, tags map[string]string) {
	meta = map[string]string{}
	tags = map[string]string{}
	for k, v := range m {
		if strings.EqualFold(k, tagsMetadataKey) {
			_ = json.Unmarshal([]byte(v), &tags)
			continue
		}
		meta[k] = v
	}
	return meta, tags
}

func containerNotFound(op, name string) error {
	return &Error{Op: op, Code: "ContainerNotFound", StatusCode: http.StatusNotFound,
		Err: fmt.Errorf("container %q does not exist", name)}
}

func blobNotFound(op, container, name string) error {
	return &Error{Op: op, Code: "BlobNotFound", StatusCode: http.StatusNotFound,
		Err: fmt.Errorf("blob %q/%q does not exist", container, name)}
}

// awsError classifies an SDK failure by its smithy error code and HTTP
// status.
func awsError(op string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	e := &Error{Op: op, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		e.StatusCode = respErr.HTTPStatusCode()
	}
	if e.StatusCode == 0 && isAWSNotFound(err) {
		e.StatusCode = http.StatusNotFound
	}
	return e
}

// isAWSNotFound checks for the various shapes of an S3 404.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

var _ Client = (*S3Backend)(nil)
