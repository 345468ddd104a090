// Copyright 2026 The TinyCloud Authors
// SPDX-License-Identifier: Apache-2.0

// Command tinycloud-node runs the TinyCloud Node HTTP server: the
// capability-authorization engine (lib/verifier, lib/eventlog) and the
// KV service (lib/dispatch, lib/kv) behind the five endpoints spec.md
// §6 names. Configuration, transport, and operational concerns stop
// here; everything reachable from a handler lives in lib/.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tinycloudlabs/node/lib/blockstore"
	"github.com/tinycloudlabs/node/lib/config"
	"github.com/tinycloudlabs/node/lib/dispatch"
	"github.com/tinycloudlabs/node/lib/did"
	"github.com/tinycloudlabs/node/lib/eventlog"
	"github.com/tinycloudlabs/node/lib/kv"
	"github.com/tinycloudlabs/node/lib/secret"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to tinycloud.yaml (defaults to $TINYCLOUD_CONFIG)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.Info("starting tinycloud-node",
		"protocol", protocolVersion,
		"version", nodeVersion,
		"environment", cfg.Environment,
	)

	secretBytes, err := decodeStaticSecret(cfg.StaticSecretBase64)
	if err != nil {
		return fmt.Errorf("decoding static_secret: %w", err)
	}
	staticSecret, err := secret.NewFromBytes(secretBytes)
	if err != nil {
		return fmt.Errorf("protecting static secret: %w", err)
	}
	defer staticSecret.Close()

	ctx := context.Background()

	backend, err := buildBlockStoreBackend(ctx, cfg.BlockStore)
	if err != nil {
		return fmt.Errorf("configuring block store: %w", err)
	}

	log, err := eventlog.Open(eventlog.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer log.Close()

	kvSvc := kv.New(log)
	store := blockstore.New(backend, blockstore.WithQuota(kvSvc, cfg.QuotaBytesPerSpace))
	dispatcher := dispatch.New(log, store, kvSvc)
	registry := did.NewRegistry()

	h := newHandler(handlerConfig{
		log:            log,
		dispatcher:     dispatcher,
		registry:       registry,
		staticSecret:   staticSecret,
		requestTimeout: requestTimeout(cfg.HTTP.RequestTimeoutSecs),
		logger:         logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", h.handleVersion)
	mux.HandleFunc("GET /peer/generate/{spaceID...}", h.handlePeerGenerate)
	mux.HandleFunc("POST /delegate", h.handleDelegate)
	mux.HandleFunc("POST /invoke", h.handleInvoke)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go runBlockGC(signalCtx, logger, store, kvSvc, blockGCInterval)

	select {
	case <-signalCtx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// blockGCInterval is how often runBlockGC sweeps the block store for
// blocks no KV entry references. The lifecycle note in spec.md §3
// ("block-store entries are ... garbage-collectable when no KV entry
// or event references them") leaves the sweep cadence to the operator;
// this matches the 10-minute order of magnitude the teacher's own
// periodic loops (e.g. GitHub webhook resync) use for low-urgency
// background maintenance.
const blockGCInterval = 10 * time.Minute

// runBlockGC periodically deletes blocks unreferenced by any kv_entry
// row, stopping when ctx is canceled. Deletion only races a concurrent
// put of a brand-new CID, never a live read, since GC's liveness set
// is read fresh on every tick and a block is only ever deleted when it
// was already absent from that set.
func runBlockGC(ctx context.Context, logger *slog.Logger, store *blockstore.Store, kvSvc *kv.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live, err := kvSvc.LiveContentCIDs(ctx)
			if err != nil {
				logger.Error("block gc: listing live content cids", "error", err)
				continue
			}
			deleted, err := store.GC(ctx, live)
			if err != nil {
				logger.Error("block gc: sweep failed", "error", err)
				continue
			}
			if len(deleted) > 0 {
				logger.Info("block gc: swept unreferenced blocks", "count", len(deleted))
			}
		}
	}
}

// decodeStaticSecret base64url-decodes the configured static secret,
// accepting both padded and unpadded encodings since operators copy
// this value from varied sources.
func decodeStaticSecret(encoded string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(encoded)
}

// loadConfig reads configuration from configPath if set, else falls
// back to lib/config's TINYCLOUD_CONFIG env-var lookup.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// requestTimeout resolves the per-invocation deadline (spec.md §5's
// 10s default), falling back to config.Default()'s value if the loaded
// config somehow carries a non-positive override.
func requestTimeout(secs int) time.Duration {
	if secs <= 0 {
		secs = config.Default().HTTP.RequestTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

// buildBlockStoreBackend constructs the configured block-store backend.
// "s3" uses the AWS SDK's default credential chain (env vars, shared
// config, IMDS), same as any other AWS-SDK-based tool; cfg.S3.Endpoint
// overrides the service endpoint for S3-compatible (non-AWS) stores.
func buildBlockStoreBackend(ctx context.Context, cfg config.BlockStoreConfig) (blockstore.Backend, error) {
	switch cfg.Backend {
	case "local":
		return blockstore.NewLocalFS(cfg.LocalFS.Root)
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS SDK config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
		return blockstore.NewS3(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown block_store.backend %q", cfg.Backend)
	}
}
