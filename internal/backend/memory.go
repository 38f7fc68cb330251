package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// memBlob holds a stored blob's attributes and data.
type memBlob struct {
	info BlobInfo
	data []byte
}

// memContainer holds a container's attributes and its blobs.
type memContainer struct {
	info  ContainerInfo
	blobs map[string]*memBlob
}

// MemoryBackend implements Client with in-memory maps. It serves as the dev
// provider and as the backend double in tests; FailNext injects one-shot
// errors to exercise write-through rollback paths.
type MemoryBackend struct {
	mu         sync.RWMutex
	containers map[string]*memContainer
	blocks     map[string][]byte // key: "container/blob/blockID"
	seq        int64

	failMu   sync.Mutex
	failures map[string]error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		containers: make(map[string]*memContainer),
		blocks:     make(map[string][]byte),
		failures:   make(map[string]error),
	}
}

// FailNext makes the next call to the named operation return err.
func (b *MemoryBackend) FailNext(op string, err error) {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	b.failures[op] = err
}

func (b *MemoryBackend) takeFailure(op string) error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	if err, ok := b.failures[op]; ok {
		delete(b.failures, op)
		return err
	}
	return nil
}

// nextETag issues a fresh quoted ETag. Callers must hold the lock.
func (b *MemoryBackend) nextETag() string {
	b.seq++
	return fmt.Sprintf(`"0x%X"`, b.seq)
}

func blockKey(container, name, blockID string) string {
	return container + "/" + name + "/" + blockID
}

func (b *MemoryBackend) CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("CreateContainer"); err != nil {
		return nil, err
	}
	if _, ok := b.containers[name]; ok {
		return nil, &Error{Op: "CreateContainer", Code: "ContainerAlreadyExists", StatusCode: http.StatusConflict,
			Err: fmt.Errorf("container %q already exists", name)}
	}
	info := ContainerInfo{
		Name:         name,
		ETag:         b.nextETag(),
		LastModified: time.Now().UTC(),
		PublicAccess: cfg.PublicAccess,
		Metadata:     copyMap(cfg.Metadata),
	}
	b.containers[name] = &memContainer{info: info, blobs: make(map[string]*memBlob)}
	return infoCopy(info), nil
}

func (b *MemoryBackend) UpdateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("UpdateContainer"); err != nil {
		return nil, err
	}
	c, ok := b.containers[name]
	if !ok {
		return nil, containerNotFound("UpdateContainer", name)
	}
	c.info.PublicAccess = cfg.PublicAccess
	c.info.Metadata = copyMap(cfg.Metadata)
	c.info.ETag = b.nextETag()
	c.info.LastModified = time.Now().UTC()
	return infoCopy(c.info), nil
}

func (b *MemoryBackend) DeleteContainer(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("DeleteContainer"); err != nil {
		return err
	}
	if _, ok := b.containers[name]; !ok {
		return containerNotFound("DeleteContainer", name)
	}
	delete(b.containers, name)
	for key := range b.blocks {
		if len(key) > len(name) && key[:len(name)+1] == name+"/" {
			delete(b.blocks, key)
		}
	}
	return nil
}

func (b *MemoryBackend) CreateBlob(ctx context.Context, container, name string, data []byte, cfg BlobConfig) (*BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("CreateBlob"); err != nil {
		return nil, err
	}
	c, ok := b.containers[container]
	if !ok {
		return nil, containerNotFound("CreateBlob", container)
	}
	now := time.Now().UTC()
	created := now
	if existing, ok := c.blobs[name]; ok {
		created = existing.info.CreatedOn
	}
	info := BlobInfo{
		Container:       container,
		Name:            name,
		ETag:            b.nextETag(),
		LastModified:    now,
		CreatedOn:       created,
		ContentType:     cfg.ContentType,
		ContentEncoding: cfg.ContentEncoding,
		ContentLanguage: cfg.ContentLanguage,
		ContentLength:   int64(len(data)),
		Metadata:        copyMap(cfg.Metadata),
		Tags:            copyMap(cfg.Tags),
		BlobType:        "block",
	}
	c.blobs[name] = &memBlob{info: info, data: append([]byte(nil), data...)}
	return blobCopy(info), nil
}

func (b *MemoryBackend) UpdateBlob(ctx context.Context, container, name string, cfg BlobConfig) (*BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("UpdateBlob"); err != nil {
		return nil, err
	}
	c, ok := b.containers[container]
	if !ok {
		return nil, containerNotFound("UpdateBlob", container)
	}
	blob, ok := c.blobs[name]
	if !ok {
		return nil, blobNotFound("UpdateBlob", container, name)
	}
	blob.info.ContentType = cfg.ContentType
	blob.info.ContentEncoding = cfg.ContentEncoding
	blob.info.ContentLanguage = cfg.ContentLanguage
	blob.info.Metadata = copyMap(cfg.Metadata)
	blob.info.Tags = copyMap(cfg.Tags)
	blob.info.ETag = b.nextETag()
	blob.info.LastModified = time.Now().UTC()
	return blobCopy(blob.info), nil
}

func (b *MemoryBackend) DeleteBlob(ctx context.Context, container, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("DeleteBlob"); err != nil {
		return err
	}
	c, ok := b.containers[container]
	if !ok {
		return containerNotFound("DeleteBlob", container)
	}
	if _, ok := c.blobs[name]; !ok {
		return blobNotFound("DeleteBlob", container, name)
	}
	delete(c.blobs, name)
	return nil
}

func (b *MemoryBackend) DownloadBlob(ctx context.Context, container, name string, rng *Range) (*Download, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.takeFailure("DownloadBlob"); err != nil {
		return nil, err
	}
	c, ok := b.containers[container]
	if !ok {
		return nil, containerNotFound("DownloadBlob", container)
	}
	blob, ok := c.blobs[name]
	if !ok {
		return nil, blobNotFound("DownloadBlob", container, name)
	}

	data := blob.data
	contentRange := ""
	if rng != nil {
		total := int64(len(data))
		if rng.Offset >= total && total > 0 {
			return nil, &Error{Op: "DownloadBlob", Code: "InvalidRange", StatusCode: http.StatusRequestedRangeNotSatisfiable,
				Err: fmt.Errorf("range offset %d beyond blob size %d", rng.Offset, total)}
		}
		end := total
		if rng.Count > 0 && rng.Offset+rng.Count < total {
			end = rng.Offset + rng.Count
		}
		data = data[rng.Offset:end]
		contentRange = fmt.Sprintf("bytes %d-%d/%d", rng.Offset, end-1, total)
	}

	return &Download{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		ContentRange:  contentRange,
		ContentType:   blob.info.ContentType,
		ETag:          blob.info.ETag,
		LastModified:  blob.info.LastModified,
	}, nil
}

func (b *MemoryBackend) StageBlock(ctx context.Context, container, name, blockID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("StageBlock"); err != nil {
		return err
	}
	if _, ok := b.containers[container]; !ok {
		return containerNotFound("StageBlock", container)
	}
	b.blocks[blockKey(container, name, blockID)] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) CommitBlockList(ctx context.Context, container, name string, blockIDs []string, cfg BlobConfig) (*BlobInfo, error) {
	b.mu.Lock()
	if err := b.takeFailure("CommitBlockList"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var assembled []byte
	for _, id := range blockIDs {
		data, ok := b.blocks[blockKey(container, name, id)]
		if !ok {
			b.mu.Unlock()
			return nil, &Error{Op: "CommitBlockList", Code: "InvalidBlockList", StatusCode: http.StatusBadRequest,
				Err: fmt.Errorf("block %q is not staged", id)}
		}
		assembled = append(assembled, data...)
	}
	for _, id := range blockIDs {
		delete(b.blocks, blockKey(container, name, id))
	}
	b.mu.Unlock()

	return b.CreateBlob(ctx, container, name, assembled, cfg)
}

func (b *MemoryBackend) ListAll(ctx context.Context) (*Listing, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.takeFailure("ListAll"); err != nil {
		return nil, err
	}

	listing := &Listing{Blobs: map[string][]BlobInfo{}}
	names := make([]string, 0, len(b.containers))
	for name := range b.containers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := b.containers[name]
		listing.Containers = append(listing.Containers, *infoCopy(c.info))

		blobNames := make([]string, 0, len(c.blobs))
		for bn := range c.blobs {
			blobNames = append(blobNames, bn)
		}
		sort.Strings(blobNames)
		for _, bn := range blobNames {
			listing.Blobs[name] = append(listing.Blobs[name], *blobCopy(c.blobs[bn].info))
		}
	}
	return listing, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.takeFailure("HealthCheck")
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func infoCopy(info ContainerInfo) *ContainerInfo {
	c := info
	c.Metadata = copyMap(info.Metadata)
	return &c
}

func blobCopy(info BlobInfo) *BlobInfo {
	b := info
	b.Metadata = copyMap(info.Metadata)
	b.Tags = copyMap(info.Tags)
	return &b
}

var _ Client = (*MemoryBackend)(nil)
