// Package api holds the JSON wire types of the management surface and the
// query field sets that make them filterable.
package api

import (
	"time"

	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
)

// Container is the wire form of a mirrored container.
type Container struct {
	Name                   string            `json:"name"`
	ETag                   string            `json:"etag"`
	LastModified           time.Time         `json:"lastModified"`
	PublicAccess           string            `json:"publicAccess"`
	Metadata               map[string]string `json:"metadata"`
	BlobCount              int64             `json:"blobCount"`
	TotalSize              int64             `json:"totalSize"`
	HasImmutabilityPolicy  bool              `json:"hasImmutabilityPolicy"`
	HasLegalHold           bool              `json:"hasLegalHold"`
	DefaultEncryptionScope string            `json:"defaultEncryptionScope,omitempty"`
}

// Blob is the wire form of a mirrored blob.
type Blob struct {
	Container       string            `json:"container"`
	Name            string            `json:"name"`
	ETag            string            `json:"etag"`
	LastModified    time.Time         `json:"lastModified"`
	CreatedOn       time.Time         `json:"createdOn"`
	ContentType     string            `json:"contentType"`
	ContentEncoding string            `json:"contentEncoding,omitempty"`
	ContentLanguage string            `json:"contentLanguage,omitempty"`
	ContentLength   int64             `json:"contentLength"`
	ExpiresOn       *time.Time        `json:"expiresOn,omitempty"`
	LastAccessedOn  *time.Time        `json:"lastAccessedOn,omitempty"`
	Metadata        map[string]string `json:"metadata"`
	Tags            map[string]string `json:"tags"`
	BlobType        string            `json:"blobType"`
	LegalHold       bool              `json:"legalHold"`
	RetainUntil     *time.Time        `json:"retainUntil,omitempty"`
}

// Upload is the wire form of an open upload session.
type Upload struct {
	UploadID       string            `json:"uploadId"`
	Container      string            `json:"container"`
	BlobName       string            `json:"blobName"`
	ContentLength  int64             `json:"contentLength"`
	UploadedLength int64             `json:"uploadedLength"`
	Progress       float64           `json:"progress"`
	ContentType    string            `json:"contentType"`
	Metadata       map[string]string `json:"metadata"`
	Tags           map[string]string `json:"tags"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	BlockCount     int               `json:"blockCount"`
}

// Block is the wire form of one staged block.
type Block struct {
	BlockID    string    `json:"blockId"`
	Size       int64     `json:"size"`
	ContentMD5 string    `json:"contentMd5,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// ContainerFromRecord converts a mirror row to its wire form.
func ContainerFromRecord(rec *mirror.ContainerRecord) Container {
	return Container{
		Name:                   rec.Name,
		ETag:                   rec.ETag,
		LastModified:           rec.LastModified,
		PublicAccess:           rec.PublicAccess.String(),
		Metadata:               rec.Metadata,
		BlobCount:              rec.BlobCount,
		TotalSize:              rec.TotalSize,
		HasImmutabilityPolicy:  rec.HasImmutabilityPolicy,
		HasLegalHold:           rec.HasLegalHold,
		DefaultEncryptionScope: rec.DefaultEncryptionScope,
	}
}

// BlobFromRecord converts a mirror row to its wire form.
func BlobFromRecord(rec *mirror.BlobRecord) Blob {
	return Blob{
		Container:       rec.ContainerName,
		Name:            rec.Name,
		ETag:            rec.ETag,
		LastModified:    rec.LastModified,
		CreatedOn:       rec.CreatedOn,
		ContentType:     rec.ContentType,
		ContentEncoding: rec.ContentEncoding,
		ContentLanguage: rec.ContentLanguage,
		ContentLength:   rec.ContentLength,
		ExpiresOn:       rec.ExpiresOn,
		LastAccessedOn:  rec.LastAccessedOn,
		Metadata:        rec.Metadata,
		Tags:            rec.Tags,
		BlobType:        rec.BlobType.String(),
		LegalHold:       rec.LegalHold,
		RetainUntil:     rec.RetainUntil,
	}
}

// UploadFromRecord converts a session row to its wire form. BlockCount is
// supplied separately since the row does not carry it.
func UploadFromRecord(rec *mirror.UploadRecord, blockCount int) Upload {
	return Upload{
		UploadID:       rec.UploadID,
		Container:      rec.ContainerName,
		BlobName:       rec.BlobName,
		ContentLength:  rec.ContentLength,
		UploadedLength: rec.UploadedLength,
		Progress:       rec.Progress(),
		ContentType:    rec.ContentType,
		Metadata:       rec.Metadata,
		Tags:           rec.Tags,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		BlockCount:     blockCount,
	}
}

// BlockFromRecord converts a block row to its wire form.
func BlockFromRecord(rec *mirror.UploadBlockRecord) Block {
	return Block{
		BlockID:    rec.BlockID,
		Size:       rec.BlockSize,
		ContentMD5: rec.ContentMD5,
		UploadedAt: rec.UploadedAt,
	}
}

func renderTime(v any) any {
	return v.(time.Time).UTC().Format(time.RFC3339)
}

// ContainerFields is the queryable surface of container listings.
func ContainerFields() query.FieldSet[Container] {
	return query.FieldSet[Container]{
		"name":         {Kind: query.String, Get: func(c Container) any { return c.Name }},
		"etag":         {Kind: query.String, Get: func(c Container) any { return c.ETag }},
		"publicAccess": {Kind: query.String, Get: func(c Container) any { return c.PublicAccess }},
		"lastModified": {Kind: query.Time, Get: func(c Container) any { return c.LastModified }, Render: renderTime},
		"blobCount":    {Kind: query.Int, Get: func(c Container) any { return c.BlobCount }},
		"totalSize":    {Kind: query.Int, Get: func(c Container) any { return c.TotalSize }},
		"hasImmutabilityPolicy": {Kind: query.Bool, Get: func(c Container) any { return c.HasImmutabilityPolicy }},
		"hasLegalHold":          {Kind: query.Bool, Get: func(c Container) any { return c.HasLegalHold }},
	}
}

// BlobFields is the queryable surface of blob listings.
func BlobFields() query.FieldSet[Blob] {
	return query.FieldSet[Blob]{
		"name":            {Kind: query.String, Get: func(b Blob) any { return b.Name }},
		"etag":            {Kind: query.String, Get: func(b Blob) any { return b.ETag }},
		"contentType":     {Kind: query.String, Get: func(b Blob) any { return b.ContentType }},
		"contentEncoding": {Kind: query.String, Get: func(b Blob) any { return b.ContentEncoding }},
		"contentLanguage": {Kind: query.String, Get: func(b Blob) any { return b.ContentLanguage }},
		"blobType":        {Kind: query.String, Get: func(b Blob) any { return b.BlobType }},
		"contentLength":   {Kind: query.Int, Get: func(b Blob) any { return b.ContentLength }},
		"lastModified":    {Kind: query.Time, Get: func(b Blob) any { return b.LastModified }, Render: renderTime},
		"createdOn":       {Kind: query.Time, Get: func(b Blob) any { return b.CreatedOn }, Render: renderTime},
		"legalHold":       {Kind: query.Bool, Get: func(b Blob) any { return b.LegalHold }},
	}
}

// UploadFields is the queryable surface of upload session listings.
func UploadFields() query.FieldSet[Upload] {
	return query.FieldSet[Upload]{
		"uploadId":       {Kind: query.String, Get: func(u Upload) any { return u.UploadID }},
		"container":      {Kind: query.String, Get: func(u Upload) any { return u.Container }},
		"blobName":       {Kind: query.String, Get: func(u Upload) any { return u.BlobName }},
		"contentLength":  {Kind: query.Int, Get: func(u Upload) any { return u.ContentLength }},
		"uploadedLength": {Kind: query.Int, Get: func(u Upload) any { return u.UploadedLength }},
		"createdAt":      {Kind: query.Time, Get: func(u Upload) any { return u.CreatedAt }, Render: renderTime},
		"lastActivityAt": {Kind: query.Time, Get: func(u Upload) any { return u.LastActivityAt }, Render: renderTime},
	}
}
