package repository

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/blobmirror/blobmirror/internal/api"
	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/conditional"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
)

func newTestRepo(t *testing.T) (*Repository, *mirror.Store, *backend.MemoryBackend) {
	t.Helper()
	store, err := mirror.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	mem := backend.NewMemoryBackend()
	repo := New(store, mem, query.Limits{DefaultTop: 50, MaxTop: 500})
	return repo, store, mem
}

func mustCreateContainer(t *testing.T, repo *Repository, name string) {
	t.Helper()
	if _, err := repo.CreateContainer(context.Background(), name, ContainerRequest{}); err != nil {
		t.Fatalf("CreateContainer(%q): %v", name, err)
	}
}

func noCond() conditional.Conditions { return conditional.Conditions{} }

func TestCreateContainerWriteThrough(t *testing.T) {
	repo, store, mem := newTestRepo(t)
	ctx := context.Background()

	c, err := repo.CreateContainer(ctx, "docs", ContainerRequest{
		PublicAccess: "blob",
		Metadata:     map[string]string{"env": "dev"},
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if c.PublicAccess != "blob" {
		t.Errorf("PublicAccess = %q, want blob", c.PublicAccess)
	}

	// Both stores agree.
	rec, _ := store.GetContainer(ctx, "docs")
	if rec == nil {
		t.Fatal("container missing from mirror")
	}
	if listing, _ := mem.ListAll(ctx); len(listing.Containers) != 1 {
		t.Fatal("container missing from backend")
	}
	if rec.ETag == "" || rec.ETag != c.ETag {
		t.Errorf("mirror ETag %q != response ETag %q", rec.ETag, c.ETag)
	}

	// Duplicate create is rejected before the backend is touched.
	if _, err := repo.CreateContainer(ctx, "docs", ContainerRequest{}); !errors.Is(err, apierr.ErrExists) {
		t.Errorf("duplicate error = %v, want exists", err)
	}
}

func TestCreateContainerValidation(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ContainerRequest
	}{
		{"ab", ContainerRequest{}},                       // too short
		{"UPPER", ContainerRequest{}},                    // uppercase
		{"has--doubled", ContainerRequest{}},             // consecutive hyphens
		{"-leading", ContainerRequest{}},                 // leading hyphen
		{"trailing-", ContainerRequest{}},                // trailing hyphen
		{"ok-name", ContainerRequest{PublicAccess: "public"}},                          // bad enum
		{"ok-name", ContainerRequest{Metadata: map[string]string{"bad key": "v"}}},     // bad metadata key
		{"ok-name", ContainerRequest{Metadata: map[string]string{"1starts": "v"}}},     // leading digit
	}
	for _, tc := range cases {
		if _, err := repo.CreateContainer(ctx, tc.name, tc.req); !apierr.IsValidation(err) {
			t.Errorf("CreateContainer(%q, %+v) error = %v, want validation", tc.name, tc.req, err)
		}
	}

	// Recognized aliases parse.
	if _, err := repo.CreateContainer(ctx, "aliased", ContainerRequest{PublicAccess: "BlobContainer"}); err != nil {
		t.Errorf("alias BlobContainer rejected: %v", err)
	}
}

func TestBackendFailureLeavesMirrorUntouched(t *testing.T) {
	repo, store, mem := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")

	mem.FailNext("CreateBlob", errors.New("upstream outage"))
	_, err := repo.CreateBlob(ctx, "docs", "a.txt", []byte("x"), BlobRequest{}, noCond())
	if err == nil {
		t.Fatal("CreateBlob succeeded despite backend outage")
	}
	if apierr.StatusOf(err) != 502 {
		t.Errorf("status = %d, want 502", apierr.StatusOf(err))
	}
	if rec, _ := store.GetBlob(ctx, "docs", "a.txt"); rec != nil {
		t.Error("mirror gained a row for a failed backend write")
	}
}

func TestBlobCreateReadDelete(t *testing.T) {
	repo, store, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")

	b, err := repo.CreateBlob(ctx, "docs", "a.txt", []byte("hello"), BlobRequest{
		ContentType: "text/plain",
		Metadata:    map[string]string{"owner": "alice"},
	}, noCond())
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	if b.ContentLength != 5 {
		t.Errorf("ContentLength = %d, want 5", b.ContentLength)
	}

	// Reads are served from the mirror.
	got, outcome, err := repo.GetBlob(ctx, "docs", "a.txt", noCond())
	if err != nil || outcome != conditional.Proceed {
		t.Fatalf("GetBlob: %v (outcome %v)", err, outcome)
	}
	if got.ETag != b.ETag {
		t.Errorf("ETag = %q, want %q", got.ETag, b.ETag)
	}

	// Container aggregates follow.
	crec, _ := store.GetContainer(ctx, "docs")
	if crec.BlobCount != 1 || crec.TotalSize != 5 {
		t.Errorf("aggregates = (%d, %d), want (1, 5)", crec.BlobCount, crec.TotalSize)
	}

	if err := repo.DeleteBlob(ctx, "docs", "a.txt", noCond()); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if _, _, err := repo.GetBlob(ctx, "docs", "a.txt", noCond()); !apierr.IsNotFound(err) {
		t.Errorf("get-after-delete error = %v, want not found", err)
	}
}

func TestDeleteSelfHealAsymmetry(t *testing.T) {
	repo, store, mem := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	if _, err := repo.CreateBlob(ctx, "docs", "a.txt", []byte("x"), BlobRequest{}, noCond()); err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	// Make the mirror stale: the backend loses the blob out of band.
	if err := mem.DeleteBlob(ctx, "docs", "a.txt"); err != nil {
		t.Fatalf("backend delete: %v", err)
	}

	// A backend 404 on delete counts as success and heals the mirror.
	if err := repo.DeleteBlob(ctx, "docs", "a.txt", noCond()); err != nil {
		t.Fatalf("DeleteBlob on stale row: %v", err)
	}
	if rec, _ := store.GetBlob(ctx, "docs", "a.txt"); rec != nil {
		t.Error("stale mirror row survived a healing delete")
	}

	// Any other backend rejection preserves the mirror row.
	if _, err := repo.CreateBlob(ctx, "docs", "b.txt", []byte("y"), BlobRequest{}, noCond()); err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}
	mem.FailNext("DeleteBlob", &backend.Error{Op: "DeleteBlob", Code: "Throttled", StatusCode: 400, Err: errors.New("slow down")})
	if err := repo.DeleteBlob(ctx, "docs", "b.txt", noCond()); err == nil {
		t.Fatal("DeleteBlob succeeded despite backend rejection")
	}
	if rec, _ := store.GetBlob(ctx, "docs", "b.txt"); rec == nil {
		t.Error("mirror row removed despite backend rejection")
	}
}

func TestConditionalUpdateAndDelete(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	b, _ := repo.CreateBlob(ctx, "docs", "a.txt", []byte("x"), BlobRequest{}, noCond())

	// Wrong If-Match is rejected with 412 and no backend call effects.
	_, err := repo.UpdateBlob(ctx, "docs", "a.txt", BlobRequest{ContentType: "text/html"}, conditional.Conditions{IfMatch: `"0xWRONG"`})
	if !errors.Is(err, apierr.ErrPreconditionFailed) {
		t.Fatalf("update error = %v, want precondition failed", err)
	}
	got, _, _ := repo.GetBlob(ctx, "docs", "a.txt", noCond())
	if got.ContentType == "text/html" {
		t.Error("rejected update still applied")
	}

	// Correct If-Match proceeds.
	updated, err := repo.UpdateBlob(ctx, "docs", "a.txt", BlobRequest{ContentType: "text/html"}, conditional.Conditions{IfMatch: b.ETag})
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if updated.ETag == b.ETag {
		t.Error("update did not issue a new ETag")
	}

	// Delete guarded by the old ETag now fails.
	if err := repo.DeleteBlob(ctx, "docs", "a.txt", conditional.Conditions{IfMatch: b.ETag}); !errors.Is(err, apierr.ErrPreconditionFailed) {
		t.Errorf("stale delete error = %v, want precondition failed", err)
	}
	if err := repo.DeleteBlob(ctx, "docs", "a.txt", conditional.Conditions{IfMatch: updated.ETag}); err != nil {
		t.Errorf("fresh delete: %v", err)
	}
}

func TestGetNotModified(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	b, _ := repo.CreateBlob(ctx, "docs", "a.txt", []byte("x"), BlobRequest{}, noCond())

	_, outcome, err := repo.GetBlob(ctx, "docs", "a.txt", conditional.Conditions{IfNoneMatch: b.ETag})
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if outcome != conditional.NotModified {
		t.Errorf("outcome = %v, want NotModified", outcome)
	}
}

func TestCreateBlobIfNoneMatchStar(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	if _, err := repo.CreateBlob(ctx, "docs", "a.txt", []byte("x"), BlobRequest{}, noCond()); err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	// "Create only if absent" fails against an existing blob.
	_, err := repo.CreateBlob(ctx, "docs", "a.txt", []byte("y"), BlobRequest{}, conditional.Conditions{IfNoneMatch: "*"})
	if !errors.Is(err, apierr.ErrPreconditionFailed) {
		t.Errorf("overwrite error = %v, want precondition failed", err)
	}

	// If-Match against a missing blob also fails.
	_, err = repo.CreateBlob(ctx, "docs", "new.txt", []byte("y"), BlobRequest{}, conditional.Conditions{IfMatch: `"0x1"`})
	if !errors.Is(err, apierr.ErrPreconditionFailed) {
		t.Errorf("if-match-on-missing error = %v, want precondition failed", err)
	}
}

func TestDownloadBlob(t *testing.T) {
	repo, store, mem := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	b, _ := repo.CreateBlob(ctx, "docs", "a.txt", []byte("0123456789"), BlobRequest{ContentType: "text/plain"}, noCond())

	dl, outcome, err := repo.DownloadBlob(ctx, "docs", "a.txt", nil, noCond())
	if err != nil || outcome != conditional.Proceed {
		t.Fatalf("DownloadBlob: %v (outcome %v)", err, outcome)
	}
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "0123456789" {
		t.Errorf("data = %q", data)
	}

	// Range request.
	dl, _, err = repo.DownloadBlob(ctx, "docs", "a.txt", &backend.Range{Offset: 3, Count: 4}, noCond())
	if err != nil {
		t.Fatalf("ranged DownloadBlob: %v", err)
	}
	data, _ = io.ReadAll(dl.Body)
	dl.Body.Close()
	if string(data) != "3456" {
		t.Errorf("ranged data = %q", data)
	}

	// Conditional 304 short-circuits before the backend.
	_, outcome, err = repo.DownloadBlob(ctx, "docs", "a.txt", nil, conditional.Conditions{IfNoneMatch: b.ETag})
	if err != nil || outcome != conditional.NotModified {
		t.Fatalf("conditional download = (%v, %v), want NotModified", outcome, err)
	}

	// Download stamps last access in the mirror.
	rec, _ := store.GetBlob(ctx, "docs", "a.txt")
	if rec.LastAccessedOn == nil {
		t.Error("LastAccessedOn not stamped by download")
	}

	// A stale mirror row heals when the backend 404s the download.
	mem.DeleteBlob(ctx, "docs", "a.txt")
	if _, _, err := repo.DownloadBlob(ctx, "docs", "a.txt", nil, noCond()); !apierr.IsNotFound(err) {
		t.Fatalf("stale download error = %v, want not found", err)
	}
	if rec, _ := store.GetBlob(ctx, "docs", "a.txt"); rec != nil {
		t.Error("stale row survived a 404 download")
	}
}

func TestListBlobsWithQuery(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateContainer(t, repo, "docs")
	repo.CreateBlob(ctx, "docs", "test-1.log", []byte("0123456789"), BlobRequest{}, noCond())
	repo.CreateBlob(ctx, "docs", "test-2.log", []byte("0123"), BlobRequest{}, noCond())
	repo.CreateBlob(ctx, "docs", "other.txt", []byte("0123456789abcdef"), BlobRequest{}, noCond())

	page, err := repo.ListBlobs(ctx, "docs", query.Options{
		Filter: "startswith(name,'test') and contentLength gt 5",
		Path:   "/api/containers/docs/blobs",
	})
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if page.FilteredCount != 1 {
		t.Fatalf("FilteredCount = %d, want 1", page.FilteredCount)
	}
	if page.Items[0].(api.Blob).Name != "test-1.log" {
		t.Errorf("item = %+v", page.Items[0])
	}

	if _, err := repo.ListBlobs(ctx, "ghost", query.Options{}); !apierr.IsNotFound(err) {
		t.Errorf("missing container error = %v, want not found", err)
	}
}
