package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureBackend talks to an Azure Blob Storage account through the official
// SDK. It is the production backend.
type AzureBackend struct {
	client *azblob.Client
}

// NewAzureBackend creates an Azure backend. A non-empty connection string
// wins; otherwise the account URL is used with DefaultAzureCredential.
func NewAzureBackend(accountURL, connectionString string) (*AzureBackend, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &AzureBackend{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &AzureBackend{client: client}, nil
}

func (b *AzureBackend) CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	opts := &azblob.CreateContainerOptions{
		Metadata: toAzMetadata(cfg.Metadata),
	}
	if access := toAzAccess(cfg.PublicAccess); access != nil {
		opts.Access = access
	}
	resp, err := b.client.CreateContainer(ctx, name, opts)
	if err != nil {
		return nil, azureError("CreateContainer", err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         etagString(resp.ETag),
		LastModified: timeValue(resp.LastModified),
		PublicAccess: cfg.PublicAccess,
		Metadata:     cfg.Metadata,
	}, nil
}

func (b *AzureBackend) UpdateContainer(ctx context.Context, name string, cfg ContainerConfig) (*ContainerInfo, error) {
	cc := b.client.ServiceClient().NewContainerClient(name)

	if _, err := cc.SetMetadata(ctx, &container.SetMetadataOptions{
		Metadata: toAzMetadata(cfg.Metadata),
	}); err != nil {
		return nil, azureError("UpdateContainer", err)
	}
	if _, err := cc.SetAccessPolicy(ctx, &container.SetAccessPolicyOptions{
		Access: toAzAccess(cfg.PublicAccess),
	}); err != nil {
		return nil, azureError("UpdateContainer", err)
	}

	props, err := cc.GetProperties(ctx, nil)
	if err != nil {
		return nil, azureError("UpdateContainer", err)
	}
	return &ContainerInfo{
		Name:         name,
		ETag:         etagString(props.ETag),
		LastModified: timeValue(props.LastModified),
		PublicAccess: fromAzAccess(props.BlobPublicAccess),
		Metadata:     fromAzMetadata(props.Metadata),
	}, nil
}

func (b *AzureBackend) DeleteContainer(ctx context.Context, name string) error {
	if _, err := b.client.DeleteContainer(ctx, name, nil); err != nil {
		return azureError("DeleteContainer", err)
	}
	return nil
}

func (b *AzureBackend) CreateBlob(ctx context.Context, containerName, name string, data []byte, cfg BlobConfig) (*BlobInfo, error) {
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: blobHeaders(cfg),
		Metadata:    toAzMetadata(cfg.Metadata),
	}
	if len(cfg.Tags) > 0 {
		opts.Tags = cfg.Tags
	}
	if _, err := b.client.UploadBuffer(ctx, containerName, name, data, opts); err != nil {
		return nil, azureError("CreateBlob", err)
	}
	return b.blobInfo(ctx, "CreateBlob", containerName, name, cfg.Tags)
}

func (b *AzureBackend) UpdateBlob(ctx context.Context, containerName, name string, cfg BlobConfig) (*BlobInfo, error) {
	bc := b.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(name)

	if _, err := bc.SetHTTPHeaders(ctx, blob.HTTPHeaders{
		BlobContentType:     nonEmpty(cfg.ContentType),
		BlobContentEncoding: nonEmpty(cfg.ContentEncoding),
		BlobContentLanguage: nonEmpty(cfg.ContentLanguage),
	}, nil); err != nil {
		return nil, azureError("UpdateBlob", err)
	}
	if _, err := bc.SetMetadata(ctx, toAzMetadata(cfg.Metadata), nil); err != nil {
		return nil, azureError("UpdateBlob", err)
	}
	if _, err := bc.SetTags(ctx, cfg.Tags, nil); err != nil {
		return nil, azureError("UpdateBlob", err)
	}
	return b.blobInfo(ctx, "UpdateBlob", containerName, name, cfg.Tags)
}

func (b *AzureBackend) DeleteBlob(ctx context.Context, containerName, name string) error {
	if _, err := b.client.DeleteBlob(ctx, containerName, name, nil); err != nil {
		return azureError("DeleteBlob", err)
	}
	return nil
}

func (b *AzureBackend) DownloadBlob(ctx context.Context, containerName, name string, rng *Range) (*Download, error) {
	opts := &azblob.DownloadStreamOptions{}
	if rng != nil {
		opts.Range = azblob.HTTPRange{Offset: rng.Offset, Count: rng.Count}
	}
	resp, err := b.client.DownloadStream(ctx, containerName, name, opts)
	if err != nil {
		return nil, azureError("DownloadBlob", err)
	}
	d := &Download{
		Body:          resp.Body,
		ContentLength: int64Value(resp.ContentLength),
		ETag:          etagString(resp.ETag),
		LastModified:  timeValue(resp.LastModified),
	}
	if resp.ContentRange != nil {
		d.ContentRange = *resp.ContentRange
	}
	if resp.ContentType != nil {
		d.ContentType = *resp.ContentType
	}
	return d, nil
}

func (b *AzureBackend) StageBlock(ctx context.Context, containerName, name, blockID string, data []byte) error {
	bb := b.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(name)
	body := streaming.NopCloser(bytes.NewReader(data))
	if _, err := bb.StageBlock(ctx, blockID, body, nil); err != nil {
		return azureError("StageBlock", err)
	}
	return nil
}

func (b *AzureBackend) CommitBlockList(ctx context.Context, containerName, name string, blockIDs []string, cfg BlobConfig) (*BlobInfo, error) {
	bb := b.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(name)
	opts := &blockblob.CommitBlockListOptions{
		HTTPHeaders: blobHeaders(cfg),
		Metadata:    toAzMetadata(cfg.Metadata),
	}
	if len(cfg.Tags) > 0 {
		opts.Tags = cfg.Tags
	}
	if _, err := bb.CommitBlockList(ctx, blockIDs, opts); err != nil {
		return nil, azureError("CommitBlockList", err)
	}
	return b.blobInfo(ctx, "CommitBlockList", containerName, name, cfg.Tags)
}

func (b *AzureBackend) ListAll(ctx context.Context) (*Listing, error) {
	listing := &Listing{Blobs: map[string][]BlobInfo{}}

	cp := b.client.NewListContainersPager(&azblob.ListContainersOptions{
		Include: azblob.ListContainersInclude{Metadata: true},
	})
	for cp.More() {
		page, err := cp.NextPage(ctx)
		if err != nil {
			return nil, azureError("ListAll", err)
		}
		for _, item := range page.ContainerItems {
			if item.Name == nil {
				continue
			}
			info := ContainerInfo{
				Name:     *item.Name,
				Metadata: fromAzMetadata(item.Metadata),
			}
			if item.Properties != nil {
				info.ETag = etagString(item.Properties.ETag)
				info.LastModified = timeValue(item.Properties.LastModified)
				info.PublicAccess = fromAzAccess(item.Properties.PublicAccess)
			}
			listing.Containers = append(listing.Containers, info)
		}
	}

	for _, c := range listing.Containers {
		bp := b.client.NewListBlobsFlatPager(c.Name, &azblob.ListBlobsFlatOptions{
			Include: azblob.ListBlobsInclude{Metadata: true, Tags: true},
		})
		for bp.More() {
			page, err := bp.NextPage(ctx)
			if err != nil {
				return nil, azureError("ListAll", err)
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				info := BlobInfo{
					Container: c.Name,
					Name:      *item.Name,
					Metadata:  fromAzMetadata(item.Metadata),
					Tags:      fromAzTags(item.BlobTags),
				}
				if p := item.Properties; p != nil {
					info.ETag = etagString(p.ETag)
					info.LastModified = timeValue(p.LastModified)
					info.CreatedOn = timeValue(p.CreationTime)
					info.ContentLength = int64Value(p.ContentLength)
					if p.ContentType != nil {
						info.ContentType = *p.ContentType
					}
					if p.ContentEncoding != nil {
						info.ContentEncoding = *p.ContentEncoding
					}
					if p.ContentLanguage != nil {
						info.ContentLanguage = *p.ContentLanguage
					}
					if p.BlobType != nil {
						info.BlobType = fromAzBlobType(*p.BlobType)
					}
				}
				listing.Blobs[c.Name] = append(listing.Blobs[c.Name], info)
			}
		}
	}
	return listing, nil
}

func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	pager := b.client.NewListContainersPager(&azblob.ListContainersOptions{
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return azureError("HealthCheck", err)
		}
	}
	return nil
}

// blobInfo reads back the blob's properties after a mutation so callers get
// the authoritative ETag and timestamps. Tags are echoed from the request;
// GetProperties does not return them.
func (b *AzureBackend) blobInfo(ctx context.Context, op, containerName, name string, tags map[string]string) (*BlobInfo, error) {
	bc := b.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(name)
	props, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return nil, azureError(op, err)
	}
	info := &BlobInfo{
		Container:     containerName,
		Name:          name,
		ETag:          etagString(props.ETag),
		LastModified:  timeValue(props.LastModified),
		CreatedOn:     timeValue(props.CreationTime),
		ContentLength: int64Value(props.ContentLength),
		Metadata:      fromAzMetadata(props.Metadata),
		Tags:          tags,
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	if props.ContentEncoding != nil {
		info.ContentEncoding = *props.ContentEncoding
	}
	if props.ContentLanguage != nil {
		info.ContentLanguage = *props.ContentLanguage
	}
	if props.BlobType != nil {
		info.BlobType = fromAzBlobType(*props.BlobType)
	}
	return info, nil
}

// azureError classifies an SDK failure using the response error the Azure
// core transport attaches.
func azureError(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &Error{Op: op, Code: respErr.ErrorCode, StatusCode: respErr.StatusCode, Err: err}
	}
	return &Error{Op: op, Err: err}
}

func blobHeaders(cfg BlobConfig) *blob.HTTPHeaders {
	return &blob.HTTPHeaders{
		BlobContentType:     nonEmpty(cfg.ContentType),
		BlobContentEncoding: nonEmpty(cfg.ContentEncoding),
		BlobContentLanguage: nonEmpty(cfg.ContentLanguage),
	}
}

func toAzMetadata(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = to.Ptr(v)
	}
	return out
}

func fromAzMetadata(m map[string]*string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func fromAzTags(t *container.BlobTags) map[string]string {
	out := map[string]string{}
	if t == nil {
		return out
	}
	for _, tag := range t.BlobTagSet {
		if tag != nil && tag.Key != nil && tag.Value != nil {
			out[*tag.Key] = *tag.Value
		}
	}
	return out
}

func toAzAccess(access string) *container.PublicAccessType {
	switch strings.ToLower(access) {
	case "blob":
		return to.Ptr(container.PublicAccessTypeBlob)
	case "container", "blobcontainer":
		return to.Ptr(container.PublicAccessTypeContainer)
	}
	return nil
}

func fromAzAccess(access *container.PublicAccessType) string {
	if access == nil {
		return "none"
	}
	switch *access {
	case container.PublicAccessTypeBlob:
		return "blob"
	case container.PublicAccessTypeContainer:
		return "container"
	}
	return "none"
}

func fromAzBlobType(t container.BlobType) string {
	switch t {
	case container.BlobTypeAppendBlob:
		return "append"
	case container.BlobTypePageBlob:
		return "page"
	}
	return "block"
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func int64Value(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

var _ Client = (*AzureBackend)(nil)
