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

	"crdocst/server/internal/access"
	"crdocst/server/internal/app"
	"crdocst/server/internal/authpw"
	"crdocst/server/internal/config"
	"crdocst/server/internal/replica"
	"crdocst/server/internal/search"
	"crdocst/server/internal/session"
	"crdocst/server/internal/snapshot"
	"crdocst/server/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	blobs, err := snapshot.NewBlobStore(ctx, snapshot.BlobConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("snapshot storage failed: %v", err)
	}

	presence, err := snapshot.NewPresenceStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer presence.Close()

	snapshots := snapshot.NewStore(blobs, presence)

	registry := session.NewRegistry(snapshots, replica.NewLogootHandle, session.Options{
		FlushInterval: cfg.FlushInterval,
		MaxFlushLag:   cfg.MaxFlushLag,
		EvictionGrace: cfg.EvictionGrace,
	})
	registry.Start()

	gateway := session.NewGateway(registry, access.NewGate(dataStore), []byte(cfg.TokenSecret))

	pgSearch := search.NewPostgres(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)
	searchService.ReindexAllFromPG(ctx)

	accounts := authpw.NewService(dataStore, []byte(cfg.TokenSecret), cfg.AccessTTL)
	service := app.NewService(dataStore, accounts, searchService, registry, snapshots)

	httpServer := app.NewHTTPServer(service, gateway, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("CRDocsT server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Flush remaining dirty documents before the process exits.
	registry.Shutdown(shutdownCtx)
}
