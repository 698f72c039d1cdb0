package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/strukturag/pdfdraw/internal/app"
	"github.com/strukturag/pdfdraw/internal/backend"
	"github.com/strukturag/pdfdraw/internal/config"
	"github.com/strukturag/pdfdraw/internal/export"
	"github.com/strukturag/pdfdraw/internal/files"
	"github.com/strukturag/pdfdraw/internal/relay"
	"github.com/strukturag/pdfdraw/internal/room"
	"github.com/strukturag/pdfdraw/internal/store"
)

func main() {
	cfg := config.Load()
	if cfg.Secret == "" {
		log.Fatal("PDFDRAW_SECRET must be set")
	}
	secret := []byte(cfg.Secret)
	ctx := context.Background()

	// Optional embedded item backend: without DATABASE_URL items live on
	// the external document server named by each token's issuer.
	var items *store.ItemStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		items = store.NewItemStore(db)
		if err := items.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
	}

	var broadcastRelay *relay.Relay
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		broadcastRelay, err = relay.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer broadcastRelay.Close()
	}

	stores := func(baseURL string) room.ItemStore {
		if items != nil {
			return items
		}
		return backend.New(baseURL, secret)
	}
	var publisher room.Publisher
	if broadcastRelay != nil {
		publisher = broadcastRelay
	}
	registry := room.NewRegistry(secret, stores, publisher)
	if broadcastRelay != nil {
		broadcastRelay.Start(ctx, registry.Get)
	}

	runner := export.NewRunner(cfg.ToolTimeout)
	var converter export.Converter
	if strings.TrimSpace(cfg.CmdSvg2pdf) != "" {
		converter = export.ToolConverter{Command: cfg.CmdSvg2pdf, Runner: runner}
	} else {
		log.Print("PDFDRAW_CMD_SVG2PDF not set, converting overlays with headless chromium")
		converter = export.ChromeConverter{Timeout: cfg.ToolTimeout}
	}
	exporter, err := export.NewExporter(cfg.CmdPdftk, cfg.CmdPdfAnnotate, converter, runner)
	if err != nil {
		log.Fatalf("exporter setup failed: %v", err)
	}

	httpServer := app.NewHTTPServer(secret, registry, exporter, cfg.CORSOrigin)
	if items != nil {
		var source files.Source
		if strings.TrimSpace(cfg.S3Endpoint) != "" {
			source, err = files.NewS3Source(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
			if err != nil {
				log.Fatalf("s3 connection failed: %v", err)
			}
		} else {
			source, err = files.NewLocalSource(cfg.FilesDir)
			if err != nil {
				log.Fatalf("files dir setup failed: %v", err)
			}
		}
		httpServer.EnableEmbeddedBackend(items, source)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pdfdraw listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
