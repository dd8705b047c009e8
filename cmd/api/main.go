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

	"redline/api/internal/app"
	"redline/api/internal/config"
	"redline/api/internal/relay"
	"redline/api/internal/search"
	"redline/api/internal/store"
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
	pgfts := search.NewPgFTS(db)
	service := app.New(cfg, dataStore, pgfts)

	var fanout *relay.Fanout
	if strings.TrimSpace(cfg.RedisURL) != "" {
		fanout, err = relay.NewFanout(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer fanout.Close()
		log.Printf("Cross-instance fanout enabled")
	}

	registry := relay.NewRegistry(service, service, fanout, relay.Options{
		SaveDebounce:    cfg.SaveDebounce,
		IdleGrace:       cfg.IdleGrace,
		PresenceTimeout: cfg.PresenceTimeout,
	})
	service.SetRegistry(registry)

	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No ReadTimeout or WriteTimeout: websocket connections stay open
		// far longer than any sane request deadline.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Redline API listening on %s", cfg.Addr)
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
	// Flush every live replica before the process exits.
	registry.Shutdown()
}
