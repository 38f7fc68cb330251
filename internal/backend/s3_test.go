package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3Object is one stored object in the fake upstream.
type fakeS3Object struct {
	data            []byte
	etag            string
	contentType     string
	contentEncoding string
	contentLanguage string
	metadata        map[string]string
	lastModified    time.Time
}

// fakeS3 implements S3API over a map, enough to drive the S3 backend.
type fakeS3 struct {
	objects map[string]*fakeS3Object
	seq     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeS3Object)}
}

func notFoundErr() error {
	return &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.seq++
	obj := &fakeS3Object{
		data:            data,
		etag:            fmt.Sprintf(`"etag-%04d"`, f.seq),
		contentType:     aws.ToString(params.ContentType),
		contentEncoding: aws.ToString(params.ContentEncoding),
		contentLanguage: aws.ToString(params.ContentLanguage),
		metadata:        params.Metadata,
		lastModified:    time.Now().UTC(),
	}
	f.objects[aws.ToString(params.Key)] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, notFoundErr()
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.lastModified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, notFoundErr()
	}
	return &s3.HeadObjectOutput{
		ContentLength:   aws.Int64(int64(len(obj.data))),
		ContentType:     aws.String(obj.contentType),
		ContentEncoding: aws.String(obj.contentEncoding),
		ContentLanguage: aws.String(obj.contentLanguage),
		ETag:            aws.String(obj.etag),
		LastModified:    aws.Time(obj.lastModified),
		Metadata:        obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range params.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src := aws.ToString(params.CopySource)
	if i := strings.Index(src, "/"); i >= 0 {
		src = src[i+1:]
	}
	obj, ok := f.objects[src]
	if !ok {
		return nil, notFoundErr()
	}
	f.seq++
	dst := &fakeS3Object{
		data:            obj.data,
		etag:            obj.etag + "-copy",
		contentType:     aws.ToString(params.ContentType),
		contentEncoding: aws.ToString(params.ContentEncoding),
		contentLanguage: aws.ToString(params.ContentLanguage),
		metadata:        params.Metadata,
		lastModified:    time.Now().UTC(),
	}
	f.objects[aws.ToString(params.Key)] = dst
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var contents []types.Object
	for key, obj := range f.objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:          aws.String(key),
				ETag:         aws.String(obj.etag),
				Size:         aws.Int64(int64(len(obj.data))),
				LastModified: aws.Time(obj.lastModified),
			})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func newTestS3Backend() (*S3Backend, *fakeS3) {
	fake := newFakeS3()
	return NewS3BackendWithClient("upstream", "bm/", fake), fake
}

func TestS3ContainerMarkers(t *testing.T) {
	b, fake := newTestS3Backend()
	ctx := context.Background()

	info, err := b.CreateContainer(ctx, "docs", ContainerConfig{PublicAccess: "blob", Metadata: map[string]string{"env": "dev"}})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if info.PublicAccess != "blob" {
		t.Errorf("PublicAccess = %q", info.PublicAccess)
	}
	if _, ok := fake.objects["bm/.containers/docs"]; !ok {
		t.Error("marker object not written")
	}

	if _, err := b.CreateContainer(ctx, "docs", ContainerConfig{}); !IsConflict(err) {
		t.Errorf("duplicate create error = %v, want conflict", err)
	}
	if _, err := b.UpdateContainer(ctx, "ghost", ContainerConfig{}); !IsNotFound(err) {
		t.Errorf("update missing error = %v, want not found", err)
	}
	if err := b.DeleteContainer(ctx, "ghost"); !IsNotFound(err) {
		t.Errorf("delete missing error = %v, want not found", err)
	}
}

func TestS3BlobRoundTrip(t *testing.T) {
	b, fake := newTestS3Backend()
	ctx := context.Background()
	b.CreateContainer(ctx, "docs", ContainerConfig{})

	info, err := b.CreateBlob(ctx, "docs", "a.txt", []byte("hello"), BlobConfig{
		ContentType: "text/plain",
		Metadata:    map[string]string{"owner": "alice"},
		Tags:        map[string]string{"tier": "hot"},
	})
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	if info.ContentLength != 5 {
		t.Errorf("ContentLength = %d, want 5", info.ContentLength)
	}
	if _, ok := fake.objects["bm/docs/a.txt"]; !ok {
		t.Error("blob object not written under container prefix")
	}

	// Tags ride in reserved metadata and round-trip through HeadObject.
	got, err := b.headBlob(ctx, "test", "docs", "a.txt")
	if err != nil {
		t.Fatalf("headBlob: %v", err)
	}
	if got.Tags["tier"] != "hot" {
		t.Errorf("Tags = %v, want tier=hot", got.Tags)
	}
	if got.Metadata["owner"] != "alice" {
		t.Errorf("Metadata = %v, want owner=alice", got.Metadata)
	}
	if _, ok := got.Metadata[tagsMetadataKey]; ok {
		t.Error("reserved tags key leaked into metadata")
	}

	dl, err := b.DownloadBlob(ctx, "docs", "a.txt", nil)
	if err != nil {
		t.Fatalf("DownloadBlob: %v", err)
	}
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}

	if err := b.DeleteBlob(ctx, "docs", "a.txt"); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if err := b.DeleteBlob(ctx, "docs", "a.txt"); !IsNotFound(err) {
		t.Errorf("second delete error = %v, want not found", err)
	}
}

func TestS3BlockCommit(t *testing.T) {
	b, fake := newTestS3Backend()
	ctx := context.Background()
	b.CreateContainer(ctx, "docs", ContainerConfig{})

	if err := b.StageBlock(ctx, "docs", "f.txt", "YmxvY2sx", []byte("one-")); err != nil {
		t.Fatalf("StageBlock: %v", err)
	}
	if err := b.StageBlock(ctx, "docs", "f.txt", "YmxvY2sy", []byte("two")); err != nil {
		t.Fatalf("StageBlock: %v", err)
	}

	if _, err := b.CommitBlockList(ctx, "docs", "f.txt", []string{"YmxvY2sx", "nope"}, BlobConfig{}); StatusOf(err) != 400 {
		t.Fatalf("commit with unstaged block status = %d, want 400", StatusOf(err))
	}

	info, err := b.CommitBlockList(ctx, "docs", "f.txt", []string{"YmxvY2sx", "YmxvY2sy"}, BlobConfig{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("CommitBlockList: %v", err)
	}
	if info.ContentLength != 7 {
		t.Errorf("ContentLength = %d, want 7", info.ContentLength)
	}

	dl, _ := b.DownloadBlob(ctx, "docs", "f.txt", nil)
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "one-two" {
		t.Errorf("assembled = %q", data)
	}

	// Block scratch objects are cleaned up.
	for key := range fake.objects {
		if strings.HasPrefix(key, "bm/.blocks/") {
			t.Errorf("staged block %q survived commit", key)
		}
	}
}

func TestS3ListAll(t *testing.T) {
	b, _ := newTestS3Backend()
	ctx := context.Background()
	b.CreateContainer(ctx, "docs", ContainerConfig{PublicAccess: "none"})
	b.CreateContainer(ctx, "media", ContainerConfig{})
	b.CreateBlob(ctx, "docs", "a.txt", []byte("aaa"), BlobConfig{})
	b.StageBlock(ctx, "docs", "pending.bin", "YQ==", []byte("scratch"))

	listing, err := b.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(listing.Containers) != 2 {
		t.Fatalf("containers = %d, want 2", len(listing.Containers))
	}
	if len(listing.Blobs["docs"]) != 1 || listing.Blobs["docs"][0].Name != "a.txt" {
		t.Errorf("docs blobs = %+v, want [a.txt]", listing.Blobs["docs"])
	}
	// Staged blocks do not appear in the namespace.
	for _, blobs := range listing.Blobs {
		for _, blob := range blobs {
			if strings.Contains(blob.Name, "pending") {
				t.Errorf("staged block leaked into listing: %+v", blob)
			}
		}
	}
}

func TestS3DeleteContainerRemovesContents(t *testing.T) {
	b, fake := newTestS3Backend()
	ctx := context.Background()
	b.CreateContainer(ctx, "docs", ContainerConfig{})
	b.CreateBlob(ctx, "docs", "a.txt", []byte("a"), BlobConfig{})
	b.StageBlock(ctx, "docs", "f.txt", "YQ==", []byte("s"))

	if err := b.DeleteContainer(ctx, "docs"); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("objects remain after container delete: %v", len(fake.objects))
	}
}
