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

	"carenotes/kb/internal/app"
	"carenotes/kb/internal/config"
	"carenotes/kb/internal/kbindex"
	"carenotes/kb/internal/registry"
	"carenotes/kb/internal/store"
	"carenotes/kb/internal/syncer"
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

	meiliClient := kbindex.NewMeili(cfg.IndexURL, cfg.IndexMasterKey, cfg.IndexUID)
	defer meiliClient.Close()
	index := kbindex.NewRetrying(meiliClient, cfg.RetryAttempts, cfg.RetryBaseDelay)

	var links registry.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the agent link registry")
		redisRegistry, err := registry.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRegistry.Close()
		links = redisRegistry
	} else {
		log.Printf("Using PostgreSQL for the agent link registry")
		links = registry.NewPostgresRegistry(db)
	}

	orch := syncer.New(dataStore, links, index, cfg.OwnerQuotaBytes)
	service := app.New(cfg, dataStore, links, orch, meiliClient)

	httpServer := app.NewHTTPServer(service, "*")
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Knowledge base sync API listening on %s", cfg.Addr)
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
