// Package sync reconciles the mirror against a complete backend listing.
// The backend offers no change feed, so every pass is a full re-scan: upsert
// everything the backend reports, stamped with a fresh copy ID, then prune
// every mirror row the pass did not stamp.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/metrics"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/uid"
)

// Result summarizes one reconciliation pass.
type Result struct {
	CopyID           string        `json:"copyId"`
	Containers       int           `json:"containers"`
	Blobs            int           `json:"blobs"`
	PrunedContainers int64         `json:"prunedContainers"`
	PrunedBlobs      int64         `json:"prunedBlobs"`
	RowErrors        int           `json:"rowErrors"`
	Duration         time.Duration `json:"-"`
	DurationSeconds  float64       `json:"durationSeconds"`
}

// Synchronizer runs full reconciliation passes. Passes never overlap: a
// pass requested while one is running is rejected, not queued.
type Synchronizer struct {
	mirror  *mirror.Store
	backend backend.Client

	mu sync.Mutex
}

// New returns a Synchronizer over the given mirror and backend.
func New(store *mirror.Store, client backend.Client) *Synchronizer {
	return &Synchronizer{mirror: store, backend: client}
}

// ErrPassInProgress is returned when a pass is requested while another is
// still running.
var ErrPassInProgress = fmt.Errorf("a synchronization pass is already running")

// Synchronize runs one full reconciliation pass. A listing failure aborts
// the pass with the mirror untouched; individual row failures after that
// are logged and skipped. A pass with row failures does not prune: the
// failed rows are unstamped, so pruning them would delete entries the
// backend still lists.
func (s *Synchronizer) Synchronize(ctx context.Context) (*Result, error) {
	if !s.mu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.pass(ctx)
	elapsed := time.Since(start)
	metrics.SyncDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.SyncPassesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SyncPassesTotal.WithLabelValues("ok").Inc()

	res.Duration = elapsed
	res.DurationSeconds = elapsed.Seconds()
	slog.Info("sync pass complete",
		"copy_id", res.CopyID,
		"containers", res.Containers,
		"blobs", res.Blobs,
		"pruned_containers", res.PrunedContainers,
		"pruned_blobs", res.PrunedBlobs,
		"row_errors", res.RowErrors,
		"duration", elapsed)
	return res, nil
}

func (s *Synchronizer) pass(ctx context.Context) (*Result, error) {
	listing, err := s.backend.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing backend: %w", err)
	}

	res := &Result{CopyID: uid.New()}

	for i := range listing.Containers {
		info := &listing.Containers[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.upsertContainer(ctx, info, res.CopyID); err != nil {
			slog.Warn("sync: container upsert failed", "container", info.Name, "error", err)
			res.RowErrors++
			continue
		}
		res.Containers++

		for j := range listing.Blobs[info.Name] {
			blob := &listing.Blobs[info.Name][j]
			if err := s.upsertBlob(ctx, blob, res.CopyID); err != nil {
				slog.Warn("sync: blob upsert failed", "container", blob.Container, "blob", blob.Name, "error", err)
				res.RowErrors++
				continue
			}
			res.Blobs++
		}
	}

	// An unstamped row after a failed upsert is indistinguishable from a
	// deleted one, so pruning only runs on clean passes; stale rows wait
	// for the next pass that refreshes everything.
	if res.RowErrors == 0 {
		// Blobs first: pruning a container cascades to its blobs anyway, but
		// counting them separately needs the blob prune to run on intact rows.
		res.PrunedBlobs, err = s.mirror.PruneBlobsNotCopy(ctx, res.CopyID)
		if err != nil {
			return nil, fmt.Errorf("pruning stale blobs: %w", err)
		}
		res.PrunedContainers, err = s.mirror.PruneContainersNotCopy(ctx, res.CopyID)
		if err != nil {
			return nil, fmt.Errorf("pruning stale containers: %w", err)
		}
		metrics.SyncPrunedTotal.WithLabelValues("blob").Add(float64(res.PrunedBlobs))
		metrics.SyncPrunedTotal.WithLabelValues("container").Add(float64(res.PrunedContainers))
	} else {
		slog.Warn("sync: pruning skipped after row failures", "row_errors", res.RowErrors)
	}

	if err := s.mirror.RefreshAllAggregates(ctx); err != nil {
		return nil, fmt.Errorf("refreshing aggregates: %w", err)
	}

	containers, blobs, err := s.mirror.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting mirror rows: %w", err)
	}
	metrics.MirrorContainers.Set(float64(containers))
	metrics.MirrorBlobs.Set(float64(blobs))

	return res, nil
}

// upsertContainer overwrites a mirror row from backend truth, keeping the
// policy flags the listing does not carry.
func (s *Synchronizer) upsertContainer(ctx context.Context, info *backend.ContainerInfo, copyID string) error {
	access, _ := mirror.ParsePublicAccess(info.PublicAccess)
	rec := &mirror.ContainerRecord{
		Name:         info.Name,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		PublicAccess: access,
		Metadata:     info.Metadata,
		CachedCopyID: copyID,
	}
	existing, err := s.mirror.GetContainer(ctx, info.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		rec.HasImmutabilityPolicy = existing.HasImmutabilityPolicy
		rec.HasLegalHold = existing.HasLegalHold
		rec.DefaultEncryptionScope = existing.DefaultEncryptionScope
	}
	return s.mirror.UpsertContainer(ctx, rec)
}

// upsertBlob overwrites a mirror row from backend truth, keeping the
// locally-tracked access time and retention fields.
func (s *Synchronizer) upsertBlob(ctx context.Context, info *backend.BlobInfo, copyID string) error {
	rec := &mirror.BlobRecord{
		ContainerName:   info.Container,
		Name:            info.Name,
		ETag:            info.ETag,
		LastModified:    info.LastModified,
		CreatedOn:       info.CreatedOn,
		ContentType:     info.ContentType,
		ContentEncoding: info.ContentEncoding,
		ContentLanguage: info.ContentLanguage,
		ContentLength:   info.ContentLength,
		Metadata:        info.Metadata,
		Tags:            info.Tags,
		BlobType:        mirror.ParseBlobType(info.BlobType),
		CachedCopyID:    copyID,
	}
	existing, err := s.mirror.GetBlob(ctx, info.Container, info.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		rec.LastAccessedOn = existing.LastAccessedOn
		rec.ExpiresOn = existing.ExpiresOn
		rec.LegalHold = existing.LegalHold
		rec.RetainUntil = existing.RetainUntil
	}
	return s.mirror.UpsertBlob(ctx, rec)
}

// Run executes passes on a fixed interval until the context is cancelled.
// Pass failures are logged and the loop keeps going.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Synchronize(ctx); err != nil {
				slog.Error("sync pass failed", "error", err)
			}
		}
	}
}
