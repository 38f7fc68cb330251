package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// Store is the SQLite-backed mirror of backend metadata. All reads served
// by the API come from here; the backend is consulted only for mutations
// and data-plane downloads.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the mirror database at the given DSN and
// initializes the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *Store) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS containers (
			name                     TEXT PRIMARY KEY,
			etag                     TEXT NOT NULL,
			last_modified            TEXT NOT NULL,
			public_access            TEXT NOT NULL DEFAULT 'none',
			metadata                 TEXT NOT NULL DEFAULT '{}',
			blob_count               INTEGER NOT NULL DEFAULT 0,
			total_size               INTEGER NOT NULL DEFAULT 0,
			has_immutability_policy  INTEGER NOT NULL DEFAULT 0,
			has_legal_hold           INTEGER NOT NULL DEFAULT 0,
			default_encryption_scope TEXT NOT NULL DEFAULT '',
			cached_copy_id           TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS blobs (
			container_name   TEXT NOT NULL,
			name             TEXT NOT NULL,
			etag             TEXT NOT NULL,
			last_modified    TEXT NOT NULL,
			created_on       TEXT NOT NULL,
			content_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding TEXT,
			content_language TEXT,
			content_length   INTEGER NOT NULL DEFAULT 0,
			expires_on       TEXT,
			last_accessed_on TEXT,
			metadata         TEXT NOT NULL DEFAULT '{}',
			tags             TEXT NOT NULL DEFAULT '{}',
			blob_type        TEXT NOT NULL DEFAULT 'block',
			legal_hold       INTEGER NOT NULL DEFAULT 0,
			retain_until     TEXT,
			cached_copy_id   TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (container_name, name),
			FOREIGN KEY (container_name) REFERENCES containers(name) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_blobs_container ON blobs(container_name);
		CREATE INDEX IF NOT EXISTS idx_blobs_copy ON blobs(cached_copy_id);

		CREATE TABLE IF NOT EXISTS uploads (
			upload_id        TEXT PRIMARY KEY,
			container_name   TEXT NOT NULL,
			blob_name        TEXT NOT NULL,
			content_length   INTEGER NOT NULL,
			content_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding TEXT,
			content_language TEXT,
			metadata         TEXT NOT NULL DEFAULT '{}',
			tags             TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_container ON uploads(container_name, blob_name);

		CREATE TABLE IF NOT EXISTS upload_blocks (
			upload_id   TEXT NOT NULL,
			block_id    TEXT NOT NULL,
			block_size  INTEGER NOT NULL,
			content_md5 TEXT NOT NULL DEFAULT '',
			uploaded_at TEXT NOT NULL,

			PRIMARY KEY (upload_id, block_id),
			FOREIGN KEY (upload_id) REFERENCES uploads(upload_id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- Container operations ----

// UpsertContainer inserts or replaces the container row. Aggregates are
// recomputed from the blob rows in the same transaction, so an upsert never
// clobbers live counts with stale ones.
func (s *Store) UpsertContainer(ctx context.Context, c *ContainerRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := marshalStringMap(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling container metadata: %w", err)
	}

	// ON CONFLICT rather than INSERT OR REPLACE: REPLACE deletes the old
	// row first, and that delete would cascade away the container's blobs.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO containers
			(name, etag, last_modified, public_access, metadata,
			 blob_count, total_size, has_immutability_policy, has_legal_hold,
			 default_encryption_scope, cached_copy_id)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			public_access = excluded.public_access,
			metadata = excluded.metadata,
			has_immutability_policy = excluded.has_immutability_policy,
			has_legal_hold = excluded.has_legal_hold,
			default_encryption_scope = excluded.default_encryption_scope,
			cached_copy_id = excluded.cached_copy_id`,
		c.Name,
		c.ETag,
		c.LastModified.UTC().Format(timeFormat),
		c.PublicAccess.String(),
		meta,
		boolToInt(c.HasImmutabilityPolicy),
		boolToInt(c.HasLegalHold),
		c.DefaultEncryptionScope,
		c.CachedCopyID,
	)
	if err != nil {
		return fmt.Errorf("upserting container %q: %w", c.Name, err)
	}

	if err := refreshAggregatesTx(ctx, tx, c.Name); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetContainer retrieves the container row by name. Returns (nil, nil) if
// no such container is mirrored.
func (s *Store) GetContainer(ctx context.Context, name string) (*ContainerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, etag, last_modified, public_access, metadata,
				blob_count, total_size, has_immutability_policy, has_legal_hold,
				default_encryption_scope, cached_copy_id
		 FROM containers WHERE name = ?`,
		name,
	)

	c, err := scanContainerRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting container %q: %w", name, err)
	}
	return c, nil
}

// DeleteContainer removes the container row and, via cascade, every blob
// row it owns. Returns false if no row existed.
func (s *Store) DeleteContainer(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM containers WHERE name = ?`, name,
	)
	if err != nil {
		return false, fmt.Errorf("deleting container %q: %w", name, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListContainers returns all mirrored containers ordered by name.
func (s *Store) ListContainers(ctx context.Context) ([]ContainerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, etag, last_modified, public_access, metadata,
				blob_count, total_size, has_immutability_policy, has_legal_hold,
				default_encryption_scope, cached_copy_id
		 FROM containers ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()

	var containers []ContainerRecord
	for rows.Next() {
		c, err := scanContainerRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning container row: %w", err)
		}
		containers = append(containers, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating container rows: %w", err)
	}
	return containers, nil
}

// ---- Blob operations ----

// UpsertBlob inserts or replaces the blob row and refreshes the owning
// container's aggregates in the same transaction. The container row must
// already exist; the foreign key rejects orphans.
func (s *Store) UpsertBlob(ctx context.Context, b *BlobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertBlobTx(ctx, tx, b); err != nil {
		return err
	}
	if err := refreshAggregatesTx(ctx, tx, b.ContainerName); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetBlob retrieves the blob row by container and name. Returns (nil, nil)
// if no such blob is mirrored.
func (s *Store) GetBlob(ctx context.Context, container, name string) (*BlobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT container_name, name, etag, last_modified, created_on,
				content_type, content_encoding, content_language, content_length,
				expires_on, last_accessed_on, metadata, tags, blob_type,
				legal_hold, retain_until, cached_copy_id
		 FROM blobs WHERE container_name = ? AND name = ?`,
		container, name,
	)

	b, err := scanBlobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %q/%q: %w", container, name, err)
	}
	return b, nil
}

// DeleteBlob removes the blob row and refreshes the container's aggregates.
// Returns false if no row existed.
func (s *Store) DeleteBlob(ctx context.Context, container, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM blobs WHERE container_name = ? AND name = ?`,
		container, name,
	)
	if err != nil {
		return false, fmt.Errorf("deleting blob %q/%q: %w", container, name, err)
	}
	rows, _ := result.RowsAffected()

	if err := refreshAggregatesTx(ctx, tx, container); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return rows > 0, nil
}

// ListBlobs returns all mirrored blobs in the container ordered by name.
func (s *Store) ListBlobs(ctx context.Context, container string) ([]BlobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_name, name, etag, last_modified, created_on,
				content_type, content_encoding, content_language, content_length,
				expires_on, last_accessed_on, metadata, tags, blob_type,
				legal_hold, retain_until, cached_copy_id
		 FROM blobs WHERE container_name = ? ORDER BY name`,
		container,
	)
	if err != nil {
		return nil, fmt.Errorf("listing blobs in %q: %w", container, err)
	}
	defer rows.Close()

	var blobs []BlobRecord
	for rows.Next() {
		b, err := scanBlobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blob row: %w", err)
		}
		blobs = append(blobs, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blob rows: %w", err)
	}
	return blobs, nil
}

// TouchBlobAccess stamps the blob's last_accessed_on. Best-effort; a
// missing row is not an error.
func (s *Store) TouchBlobAccess(ctx context.Context, container, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET last_accessed_on = ? WHERE container_name = ? AND name = ?`,
		at.UTC().Format(timeFormat), container, name,
	)
	if err != nil {
		return fmt.Errorf("touching blob %q/%q: %w", container, name, err)
	}
	return nil
}

// ---- Sync support ----

// PruneBlobsNotCopy deletes every blob row whose cached_copy_id differs
// from the given pass marker and returns the number removed.
func (s *Store) PruneBlobsNotCopy(ctx context.Context, copyID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE cached_copy_id != ?`, copyID,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning stale blobs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// PruneContainersNotCopy deletes every container row whose cached_copy_id
// differs from the given pass marker, cascading to any remaining blob rows.
func (s *Store) PruneContainersNotCopy(ctx context.Context, copyID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM containers WHERE cached_copy_id != ?`, copyID,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning stale containers: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// RefreshAllAggregates recomputes blob_count and total_size for every
// container from the blob rows.
func (s *Store) RefreshAllAggregates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET
			blob_count = (SELECT COUNT(*) FROM blobs WHERE blobs.container_name = containers.name),
			total_size = (SELECT COALESCE(SUM(content_length), 0) FROM blobs WHERE blobs.container_name = containers.name)`,
	)
	if err != nil {
		return fmt.Errorf("refreshing container aggregates: %w", err)
	}
	return nil
}

// Counts returns the number of mirrored containers and blobs.
func (s *Store) Counts(ctx context.Context) (containers, blobs int64, err error) {
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM containers`,
	).Scan(&containers); err != nil {
		return 0, 0, fmt.Errorf("counting containers: %w", err)
	}
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blobs`,
	).Scan(&blobs); err != nil {
		return 0, 0, fmt.Errorf("counting blobs: %w", err)
	}
	return containers, blobs, nil
}

// ---- Upload operations ----

// CreateUpload inserts a new upload session row.
func (s *Store) CreateUpload(ctx context.Context, u *UploadRecord) error {
	meta, err := marshalStringMap(u.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling upload metadata: %w", err)
	}
	tags, err := marshalStringMap(u.Tags)
	if err != nil {
		return fmt.Errorf("marshaling upload tags: %w", err)
	}

	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO uploads
			(upload_id, container_name, blob_name, content_length, content_type,
			 content_encoding, content_language, metadata, tags, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID,
		u.ContainerName,
		u.BlobName,
		u.ContentLength,
		contentType,
		nullString(u.ContentEncoding),
		nullString(u.ContentLanguage),
		meta,
		tags,
		u.CreatedAt.UTC().Format(timeFormat),
		u.LastActivityAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating upload %q: %w", u.UploadID, err)
	}
	return nil
}

// GetUpload retrieves an upload session with its derived UploadedLength.
// Returns (nil, nil) if no such session exists.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.upload_id, u.container_name, u.blob_name, u.content_length,
				u.content_type, u.content_encoding, u.content_language,
				u.metadata, u.tags, u.created_at, u.last_activity_at,
				COALESCE((SELECT SUM(block_size) FROM upload_blocks b WHERE b.upload_id = u.upload_id), 0)
		 FROM uploads u WHERE u.upload_id = ?`,
		uploadID,
	)

	u, err := scanUploadRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %q: %w", uploadID, err)
	}
	return u, nil
}

// ListUploads returns all open upload sessions, optionally restricted to
// one container, ordered by creation time.
func (s *Store) ListUploads(ctx context.Context, container string) ([]UploadRecord, error) {
	query := `SELECT u.upload_id, u.container_name, u.blob_name, u.content_length,
					 u.content_type, u.content_encoding, u.content_language,
					 u.metadata, u.tags, u.created_at, u.last_activity_at,
					 COALESCE((SELECT SUM(block_size) FROM upload_blocks b WHERE b.upload_id = u.upload_id), 0)
			  FROM uploads u`
	var args []interface{}
	if container != "" {
		query += ` WHERE u.container_name = ?`
		args = append(args, container)
	}
	query += ` ORDER BY u.created_at, u.upload_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var uploads []UploadRecord
	for rows.Next() {
		u, err := scanUploadRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return uploads, nil
}

// UpsertUploadBlock records a staged block and bumps the session's
// last_activity_at. Re-staging an existing block ID replaces the row, so
// retries are idempotent.
func (s *Store) UpsertUploadBlock(ctx context.Context, blk *UploadBlockRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO upload_blocks
			(upload_id, block_id, block_size, content_md5, uploaded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		blk.UploadID,
		blk.BlockID,
		blk.BlockSize,
		blk.ContentMD5,
		blk.UploadedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upserting block %q for upload %q: %w", blk.BlockID, blk.UploadID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE uploads SET last_activity_at = ? WHERE upload_id = ?`,
		blk.UploadedAt.UTC().Format(timeFormat), blk.UploadID,
	)
	if err != nil {
		return fmt.Errorf("touching upload %q: %w", blk.UploadID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListUploadBlocks returns the session's staged blocks ordered by upload time.
func (s *Store) ListUploadBlocks(ctx context.Context, uploadID string) ([]UploadBlockRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, block_id, block_size, content_md5, uploaded_at
		 FROM upload_blocks WHERE upload_id = ?
		 ORDER BY uploaded_at, block_id`,
		uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing blocks for upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	var blocks []UploadBlockRecord
	for rows.Next() {
		var blk UploadBlockRecord
		var uploadedAt string
		if err := rows.Scan(&blk.UploadID, &blk.BlockID, &blk.BlockSize, &blk.ContentMD5, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scanning block row: %w", err)
		}
		blk.UploadedAt, _ = time.Parse(timeFormat, uploadedAt)
		blocks = append(blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating block rows: %w", err)
	}
	return blocks, nil
}

// DeleteUpload removes the session and, via cascade, its block rows.
// Returns false if no session existed, so cancellation stays idempotent.
func (s *Store) DeleteUpload(ctx context.Context, uploadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM uploads WHERE upload_id = ?`, uploadID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting upload %q: %w", uploadID, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// CommitUploadToBlob atomically replaces the upload session with the final
// blob row: the blob is upserted, the session and its blocks are removed,
// and the container's aggregates are refreshed, all in one transaction.
func (s *Store) CommitUploadToBlob(ctx context.Context, uploadID string, b *BlobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertBlobTx(ctx, tx, b); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM upload_blocks WHERE upload_id = ?`, uploadID,
	)
	if err != nil {
		return fmt.Errorf("deleting blocks: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM uploads WHERE upload_id = ?`, uploadID,
	)
	if err != nil {
		return fmt.Errorf("deleting upload record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("upload not found: %s", uploadID)
	}

	if err := refreshAggregatesTx(ctx, tx, b.ContainerName); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ReapStaleUploads removes every session whose last activity predates the
// cutoff and returns the removed sessions for logging.
func (s *Store) ReapStaleUploads(ctx context.Context, cutoff time.Time) ([]UploadRecord, error) {
	stale, err := s.listUploadsBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range stale {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM uploads WHERE upload_id = ?`, u.UploadID,
		); err != nil {
			return nil, fmt.Errorf("reaping upload %q: %w", u.UploadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return stale, nil
}

func (s *Store) listUploadsBefore(ctx context.Context, cutoff time.Time) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.upload_id, u.container_name, u.blob_name, u.content_length,
				u.content_type, u.content_encoding, u.content_language,
				u.metadata, u.tags, u.created_at, u.last_activity_at,
				COALESCE((SELECT SUM(block_size) FROM upload_blocks b WHERE b.upload_id = u.upload_id), 0)
		 FROM uploads u WHERE u.last_activity_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale uploads: %w", err)
	}
	defer rows.Close()

	var uploads []UploadRecord
	for rows.Next() {
		u, err := scanUploadRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload row: %w", err)
		}
		uploads = append(uploads, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating upload rows: %w", err)
	}
	return uploads, nil
}

// ---- Internal helpers ----

// upsertBlobTx writes the blob row inside an open transaction.
func upsertBlobTx(ctx context.Context, tx *sql.Tx, b *BlobRecord) error {
	meta, err := marshalStringMap(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling blob metadata: %w", err)
	}
	tags, err := marshalStringMap(b.Tags)
	if err != nil {
		return fmt.Errorf("marshaling blob tags: %w", err)
	}

	contentType := b.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs
			(container_name, name, etag, last_modified, created_on, content_type,
			 content_encoding, content_language, content_length, expires_on,
			 last_accessed_on, metadata, tags, blob_type, legal_hold,
			 retain_until, cached_copy_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ContainerName,
		b.Name,
		b.ETag,
		b.LastModified.UTC().Format(timeFormat),
		b.CreatedOn.UTC().Format(timeFormat),
		contentType,
		nullString(b.ContentEncoding),
		nullString(b.ContentLanguage),
		b.ContentLength,
		nullTime(b.ExpiresOn),
		nullTime(b.LastAccessedOn),
		meta,
		tags,
		b.BlobType.String(),
		boolToInt(b.LegalHold),
		nullTime(b.RetainUntil),
		b.CachedCopyID,
	)
	if err != nil {
		return fmt.Errorf("upserting blob %q/%q: %w", b.ContainerName, b.Name, err)
	}
	return nil
}

// refreshAggregatesTx recomputes blob_count and total_size for one
// container inside an open transaction.
func refreshAggregatesTx(ctx context.Context, tx *sql.Tx, container string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE containers SET
			blob_count = (SELECT COUNT(*) FROM blobs WHERE container_name = ?),
			total_size = (SELECT COALESCE(SUM(content_length), 0) FROM blobs WHERE container_name = ?)
		 WHERE name = ?`,
		container, container, container,
	)
	if err != nil {
		return fmt.Errorf("refreshing aggregates for %q: %w", container, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContainerRow(row scanner) (*ContainerRecord, error) {
	var c ContainerRecord
	var lastModified, access, meta string
	var immutability, legalHold int
	err := row.Scan(
		&c.Name, &c.ETag, &lastModified, &access, &meta,
		&c.BlobCount, &c.TotalSize, &immutability, &legalHold,
		&c.DefaultEncryptionScope, &c.CachedCopyID,
	)
	if err != nil {
		return nil, err
	}
	c.LastModified, _ = time.Parse(timeFormat, lastModified)
	c.PublicAccess, _ = ParsePublicAccess(access)
	c.Metadata = unmarshalStringMap(meta)
	c.HasImmutabilityPolicy = immutability != 0
	c.HasLegalHold = legalHold != 0
	return &c, nil
}

func scanBlobRow(row scanner) (*BlobRecord, error) {
	var b BlobRecord
	var lastModified, createdOn, meta, tags, blobType string
	var encoding, language, expiresOn, accessedOn, retainUntil sql.NullString
	var legalHold int
	err := row.Scan(
		&b.ContainerName, &b.Name, &b.ETag, &lastModified, &createdOn,
		&b.ContentType, &encoding, &language, &b.ContentLength,
		&expiresOn, &accessedOn, &meta, &tags, &blobType,
		&legalHold, &retainUntil, &b.CachedCopyID,
	)
	if err != nil {
		return nil, err
	}
	b.LastModified, _ = time.Parse(timeFormat, lastModified)
	b.CreatedOn, _ = time.Parse(timeFormat, createdOn)
	b.ContentEncoding = encoding.String
	b.ContentLanguage = language.String
	b.ExpiresOn = parseNullTime(expiresOn)
	b.LastAccessedOn = parseNullTime(accessedOn)
	b.Metadata = unmarshalStringMap(meta)
	b.Tags = unmarshalStringMap(tags)
	b.BlobType = ParseBlobType(blobType)
	b.LegalHold = legalHold != 0
	b.RetainUntil = parseNullTime(retainUntil)
	return &b, nil
}

func scanUploadRow(row scanner) (*UploadRecord, error) {
	var u UploadRecord
	var createdAt, lastActivity, meta, tags string
	var encoding, language sql.NullString
	err := row.Scan(
		&u.UploadID, &u.ContainerName, &u.BlobName, &u.ContentLength,
		&u.ContentType, &encoding, &language, &meta, &tags,
		&createdAt, &lastActivity, &u.UploadedLength,
	)
	if err != nil {
		return nil, err
	}
	u.ContentEncoding = encoding.String
	u.ContentLanguage = language.String
	u.Metadata = unmarshalStringMap(meta)
	u.Tags = unmarshalStringMap(tags)
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	u.LastActivityAt, _ = time.Parse(timeFormat, lastActivity)
	return &u, nil
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a nil time pointer to a SQL NULL.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStringMap(s string) map[string]string {
	m := map[string]string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}
