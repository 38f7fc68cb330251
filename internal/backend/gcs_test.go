package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

// fakeGCS implements GCSAPI over a map, enough to drive the GCS backend.
type fakeGCS struct {
	objects map[string]*fakeGCSObject
	seq     int
}

type fakeGCSObject struct {
	data  []byte
	attrs GCSAttrs
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string]*fakeGCSObject)}
}

func gcsNotFoundErr() error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
}

func (f *fakeGCS) Write(ctx context.Context, object string, data []byte, attrs *GCSAttrs) (*GCSAttrs, error) {
	f.seq++
	stored := GCSAttrs{
		Name:    object,
		ETag:    fmt.Sprintf("etag-%04d", f.seq),
		Size:    int64(len(data)),
		Created: time.Now().UTC(),
		Updated: time.Now().UTC(),
	}
	if attrs != nil {
		stored.ContentType = attrs.ContentType
		stored.ContentEncoding = attrs.ContentEncoding
		stored.ContentLanguage = attrs.ContentLanguage
		stored.Metadata = attrs.Metadata
	}
	f.objects[object] = &fakeGCSObject{data: bytes.Clone(data), attrs: stored}
	return &stored, nil
}

func (f *fakeGCS) NewRangeReader(ctx context.Context, object string, offset, length int64) (io.ReadCloser, error) {
	obj, ok := f.objects[object]
	if !ok {
		return nil, gcsNotFoundErr()
	}
	if offset >= int64(len(obj.data)) && len(obj.data) > 0 {
		return nil, &googleapi.Error{Code: http.StatusRequestedRangeNotSatisfiable, Message: "range"}
	}
	data := obj.data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeGCS) Attrs(ctx context.Context, object string) (*GCSAttrs, error) {
	obj, ok := f.objects[object]
	if !ok {
		return nil, gcsNotFoundErr()
	}
	attrs := obj.attrs
	return &attrs, nil
}

func (f *fakeGCS) Update(ctx context.Context, object string, attrs *GCSAttrs) (*GCSAttrs, error) {
	obj, ok := f.objects[object]
	if !ok {
		return nil, gcsNotFoundErr()
	}
	f.seq++
	obj.attrs.ETag = fmt.Sprintf("etag-%04d", f.seq)
	obj.attrs.Updated = time.Now().UTC()
	obj.attrs.ContentType = attrs.ContentType
	obj.attrs.ContentEncoding = attrs.ContentEncoding
	obj.attrs.ContentLanguage = attrs.ContentLanguage
	obj.attrs.Metadata = attrs.Metadata
	updated := obj.attrs
	return &updated, nil
}

func (f *fakeGCS) Delete(ctx context.Context, object string) error {
	if _, ok := f.objects[object]; !ok {
		return gcsNotFoundErr()
	}
	delete(f.objects, object)
	return nil
}

func (f *fakeGCS) List(ctx context.Context, prefix string) ([]*GCSAttrs, error) {
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]*GCSAttrs, 0, len(names))
	for _, name := range names {
		attrs := f.objects[name].attrs
		out = append(out, &attrs)
	}
	return out, nil
}

func newTestGCSBackend() (*GCSBackend, *fakeGCS) {
	fake := newFakeGCS()
	return NewGCSBackendWithClient("upstream", "bm/", fake), fake
}

func TestGCSContainerMarkers(t *testing.T) {
	b, fake := newTestGCSBackend()
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

func TestGCSBlobRoundTrip(t *testing.T) {
	b, fake := newTestGCSBackend()
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
	if info.Tags["tier"] != "hot" {
		t.Errorf("Tags = %v, want tier=hot", info.Tags)
	}
	if _, ok := info.Metadata[tagsMetadataKey]; ok {
		t.Error("reserved tags key leaked into metadata")
	}

	updated, err := b.UpdateBlob(ctx, "docs", "a.txt", BlobConfig{
		ContentType: "text/markdown",
		Metadata:    map[string]string{"owner": "bob"},
	})
	if err != nil {
		t.Fatalf("UpdateBlob: %v", err)
	}
	if updated.ContentType != "text/markdown" || updated.Metadata["owner"] != "bob" {
		t.Errorf("updated blob = %+v", updated)
	}
	if updated.ETag == info.ETag {
		t.Error("ETag did not rotate on update")
	}
	if _, err := b.UpdateBlob(ctx, "docs", "ghost", BlobConfig{}); !IsNotFound(err) {
		t.Errorf("update missing error = %v, want not found", err)
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

func TestGCSRangedDownload(t *testing.T) {
	b, _ := newTestGCSBackend()
	ctx := context.Background()
	b.CreateContainer(ctx, "docs", ContainerConfig{})
	b.CreateBlob(ctx, "docs", "a.txt", []byte("0123456789"), BlobConfig{})

	dl, err := b.DownloadBlob(ctx, "docs", "a.txt", &Range{Offset: 3, Count: 4})
	if err != nil {
		t.Fatalf("DownloadBlob: %v", err)
	}
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "3456" {
		t.Errorf("data = %q, want 3456", data)
	}
	if dl.ContentRange != "bytes 3-6/10" {
		t.Errorf("ContentRange = %q, want bytes 3-6/10", dl.ContentRange)
	}
	if dl.ContentLength != 4 {
		t.Errorf("ContentLength = %d, want 4", dl.ContentLength)
	}

	// Open-ended range reads to the end.
	dl, err = b.DownloadBlob(ctx, "docs", "a.txt", &Range{Offset: 8})
	if err != nil {
		t.Fatalf("DownloadBlob: %v", err)
	}
	data, _ = io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "89" || dl.ContentRange != "bytes 8-9/10" {
		t.Errorf("data = %q range = %q", data, dl.ContentRange)
	}
}

func TestGCSBlockCommit(t *testing.T) {
	b, fake := newTestGCSBackend()
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

func TestGCSListAll(t *testing.T) {
	b, _ := newTestGCSBackend()
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
	for _, blobs := range listing.Blobs {
		for _, blob := range blobs {
			if strings.Contains(blob.Name, "pending") {
				t.Errorf("staged block leaked into listing: %+v", blob)
			}
		}
	}
}

func TestGCSDeleteContainerRemovesContents(t *testing.T) {
	b, fake := newTestGCSBackend()
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
