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

	"clinica/api/internal/app"
	"clinica/api/internal/authpw"
	"clinica/api/internal/config"
	"clinica/api/internal/export"
	"clinica/api/internal/search"
	"clinica/api/internal/session"
	"clinica/api/internal/store"
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
	authService := authpw.NewService(dataStore)

	roster := search.NewPgRoster(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, roster)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var archiver *export.Archiver
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiver, err = export.NewArchiver(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Fatalf("archive storage failed: %v", err)
		}
		log.Printf("Archiving exports to bucket %s", cfg.ArchiveBucket)
	}
	exportService := export.NewService(dataStore, archiver)

	// Refresh tokens live in Redis when configured, Postgres otherwise.
	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session storage")
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessions.Close()
	} else {
		log.Printf("Using PostgreSQL for session storage")
	}

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, dataStore, sessions, authService, searchService, exportService)
	} else {
		service = app.New(cfg, dataStore, nil, authService, searchService, exportService)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Clinica API listening on %s", cfg.Addr)
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
