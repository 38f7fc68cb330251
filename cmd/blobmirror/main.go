// Package main is the entry point for the blobmirror management server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/config"
	"github.com/blobmirror/blobmirror/internal/logging"
	"github.com/blobmirror/blobmirror/internal/metrics"
	"github.com/blobmirror/blobmirror/internal/mirror"
	"github.com/blobmirror/blobmirror/internal/query"
	"github.com/blobmirror/blobmirror/internal/repository"
	"github.com/blobmirror/blobmirror/internal/server"
	syncpkg "github.com/blobmirror/blobmirror/internal/sync"
	"github.com/blobmirror/blobmirror/internal/uploads"
)

func main() {
	configPath := flag.String("config", "blobmirror.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	syncNow := flag.Bool("sync-now", false, "run one reconciliation pass at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	// Initialize the SQLite mirror store.
	dbPath := cfg.Mirror.SQLite.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create mirror directory: %v\n", err)
		os.Exit(1)
	}
	store, err := mirror.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize mirror store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	client, err := newBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	limits := query.Limits{
		DefaultTop: cfg.Server.DefaultPageSize,
		MaxTop:     cfg.Server.MaxPageSize,
	}
	repo := repository.New(store, client, limits)
	mgr := uploads.NewManager(store, client, cfg.Upload.MaxSize, limits)
	syncer := syncpkg.New(store, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *syncNow || cfg.Sync.Enabled {
		// Populate the mirror before serving; a failure is survivable since
		// the periodic loop (or POST /api/sync) can repair it later.
		if _, err := syncer.Synchronize(ctx); err != nil {
			slog.Error("initial sync failed", "error", err)
		}
	}
	if cfg.Sync.Enabled {
		go syncer.Run(ctx, time.Duration(cfg.Sync.IntervalSeconds)*time.Second)
	}
	go reapLoop(ctx, mgr, time.Duration(cfg.Upload.StaleAfterSeconds)*time.Second)

	srv := server.New(cfg, repo, mgr, syncer, client)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("blobmirror listening", "addr", addr, "backend", cfg.Backend.Provider)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// newBackend constructs the storage backend named by the config.
func newBackend(cfg *config.Config) (backend.Client, error) {
	switch cfg.Backend.Provider {
	case "azure":
		accountURL := cfg.Backend.AzureAccountURL
		if accountURL == "" && cfg.Backend.AzureConnectionString == "" {
			if cfg.Backend.AzureAccount == "" {
				return nil, fmt.Errorf("backend.azure_account or backend.azure_account_url is required for the azure provider")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Backend.AzureAccount)
		}
		client, err := backend.NewAzureBackend(accountURL, cfg.Backend.AzureConnectionString)
		if err != nil {
			return nil, err
		}
		slog.Info("storage backend initialized", "provider", "azure", "account_url", accountURL)
		return client, nil
	case "s3":
		if cfg.Backend.S3Bucket == "" {
			return nil, fmt.Errorf("backend.s3_bucket is required for the s3 provider")
		}
		client, err := backend.NewS3Backend(context.Background(),
			cfg.Backend.S3Bucket, cfg.Backend.S3Region, cfg.Backend.S3Prefix,
			cfg.Backend.S3EndpointURL, cfg.Backend.S3UsePathStyle,
			cfg.Backend.S3AccessKeyID, cfg.Backend.S3SecretAccessKey)
		if err != nil {
			return nil, err
		}
		slog.Info("storage backend initialized", "provider", "s3",
			"bucket", cfg.Backend.S3Bucket, "region", cfg.Backend.S3Region, "prefix", cfg.Backend.S3Prefix)
		return client, nil
	case "gcs":
		if cfg.Backend.GCSBucket == "" {
			return nil, fmt.Errorf("backend.gcs_bucket is required for the gcs provider")
		}
		client, err := backend.NewGCSBackend(context.Background(),
			cfg.Backend.GCSBucket, cfg.Backend.GCSPrefix)
		if err != nil {
			return nil, err
		}
		slog.Info("storage backend initialized", "provider", "gcs",
			"bucket", cfg.Backend.GCSBucket, "prefix", cfg.Backend.GCSPrefix)
		return client, nil
	case "memory":
		slog.Info("storage backend initialized", "provider", "memory")
		return backend.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

// reapLoop deletes stale upload sessions on a fixed cadence. The sessions'
// idle TTL doubles as the sweep interval, capped at an hour so a long TTL
// still gets timely sweeps.
func reapLoop(ctx context.Context, mgr *uploads.Manager, ttl time.Duration) {
	interval := ttl
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := mgr.ReapStale(ctx, ttl); err != nil {
				slog.Error("reaping stale uploads failed", "error", err)
			}
		}
	}
}
