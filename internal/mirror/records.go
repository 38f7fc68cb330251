// Package mirror implements blobmirror's local relational cache of backend
// object-storage metadata: containers, blobs, and in-progress upload sessions.
package mirror

import (
	"strings"
	"time"
)

// PublicAccess is the container-level public access mode.
type PublicAccess int

const (
	// PublicAccessNone means no anonymous access.
	PublicAccessNone PublicAccess = iota
	// PublicAccessBlob allows anonymous reads of blob data only.
	PublicAccessBlob
	// PublicAccessContainer allows anonymous reads of blob data and
	// container metadata.
	PublicAccessContainer
)

// publicAccessWire is the fixed enum-to-wire lookup table. The wire format is
// stable and independent of internal naming; do not derive it by reflection.
var publicAccessWire = map[PublicAccess]string{
	PublicAccessNone:      "none",
	PublicAccessBlob:      "blob",
	PublicAccessContainer: "container",
}

// String returns the lowercase wire representation of the access mode.
func (p PublicAccess) String() string {
	if s, ok := publicAccessWire[p]; ok {
		return s
	}
	return "none"
}

// ParsePublicAccess parses a wire string into a PublicAccess mode.
// Parsing is case-insensitive and accepts the recognized aliases
// "container" and "blobcontainer" for container-level access. The second
// return value is false for anything unrecognized.
func ParsePublicAccess(s string) (PublicAccess, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return PublicAccessNone, true
	case "blob":
		return PublicAccessBlob, true
	case "container", "blobcontainer":
		return PublicAccessContainer, true
	}
	return PublicAccessNone, false
}

// BlobType is the backend blob kind.
type BlobType int

const (
	BlobTypeBlock BlobType = iota
	BlobTypeAppend
	BlobTypePage
)

var blobTypeWire = map[BlobType]string{
	BlobTypeBlock:  "block",
	BlobTypeAppend: "append",
	BlobTypePage:   "page",
}

// String returns the lowercase wire representation of the blob type.
func (t BlobType) String() string {
	if s, ok := blobTypeWire[t]; ok {
		return s
	}
	return "block"
}

// ParseBlobType parses a wire string into a BlobType. Unrecognized values
// fall back to the block type; the backend is the authority here and only
// ever reports the three known kinds.
func ParseBlobType(s string) BlobType {
	switch strings.ToLower(s) {
	case "append", "appendblob":
		return BlobTypeAppend
	case "page", "pageblob":
		return BlobTypePage
	}
	return BlobTypeBlock
}

// ContainerRecord is the mirror row for a single backend container.
// BlobCount and TotalSize are denormalized aggregates over the container's
// blob rows; the store keeps them consistent inside every blob mutation.
type ContainerRecord struct {
	Name                   string
	ETag                   string
	LastModified           time.Time
	PublicAccess           PublicAccess
	Metadata               map[string]string
	BlobCount              int64
	TotalSize              int64
	HasImmutabilityPolicy  bool
	HasLegalHold           bool
	DefaultEncryptionScope string
	// CachedCopyID marks which sync pass produced the row. Rows not stamped
	// by the current pass are pruned as stale.
	CachedCopyID string
}

// BlobRecord is the mirror row for a single backend blob, keyed by
// (ContainerName, Name) and owned by exactly one container row.
type BlobRecord struct {
	ContainerName   string
	Name            string
	ETag            string
	LastModified    time.Time
	CreatedOn       time.Time
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	ContentLength   int64
	ExpiresOn       *time.Time
	LastAccessedOn  *time.Time
	Metadata        map[string]string
	Tags            map[string]string
	BlobType        BlobType
	LegalHold       bool
	RetainUntil     *time.Time
	CachedCopyID    string
}

// Equal reports identity-key equality over (ContainerName, Name, ETag).
// Field drift outside the tuple is deliberately ignored: two reads of the
// same blob version are equal even if one carries staler attributes.
func (b *BlobRecord) Equal(other *BlobRecord) bool {
	if other == nil {
		return false
	}
	return b.ContainerName == other.ContainerName &&
		b.Name == other.Name &&
		b.ETag == other.ETag
}

// UploadRecord is the mirror row for an in-progress upload session.
// Uploads are independent of sync passes and are never stamped or pruned
// by the synchronizer.
type UploadRecord struct {
	UploadID        string
	ContainerName   string
	BlobName        string
	ContentLength   int64
	ContentType     string
	ContentEncoding string
	ContentLanguage string
	Metadata        map[string]string
	Tags            map[string]string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	// UploadedLength is the sum of the session's block sizes. Populated on
	// reads; derived, never stored.
	UploadedLength int64
}

// Progress returns the upload completion percentage, clamped to [0, 100].
// A zero ContentLength yields 0.
func (u *UploadRecord) Progress() float64 {
	if u.ContentLength == 0 {
		return 0
	}
	p := float64(u.UploadedLength) / float64(u.ContentLength) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// UploadBlockRecord is the mirror row for a single staged block, keyed by
// (UploadID, BlockID) and cascade-deleted with its upload.
type UploadBlockRecord struct {
	UploadID   string
	BlockID    string
	BlockSize  int64
	ContentMD5 string
	UploadedAt time.Time
}
