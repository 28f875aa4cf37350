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

	"critique/api/internal/analyzer"
	"critique/api/internal/app"
	"critique/api/internal/artifacts"
	"critique/api/internal/config"
	"critique/api/internal/email"
	"critique/api/internal/gitrepo"
	"critique/api/internal/search"
	"critique/api/internal/session"
	"critique/api/internal/store"
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

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// An OpenAI key selects the LLM engine with the heuristic engine as
	// fallback; without a key reviews run offline on heuristics alone.
	var primary analyzer.Engine
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		log.Printf("Using OpenAI engine %s", cfg.OpenAIModel)
		primary = analyzer.NewOpenAIEngine(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	} else {
		log.Printf("No OpenAI key configured, reviews use the heuristic engine")
	}
	engine := analyzer.NewService(primary, analyzer.NewHeuristicEngine())

	var artifactService *artifacts.Service
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		artifactService, err = artifacts.New(ctx, artifacts.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("artifact store connection failed: %v", err)
		}
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var sessionStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		sessionStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessionStore.Close()
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	var service *app.Service
	if sessionStore != nil {
		service = app.New(cfg, dataStore, gitService, engine, searchService, artifactService, emailService, sessionStore)
	} else {
		service = app.New(cfg, dataStore, gitService, engine, searchService, artifactService, emailService, nil)
	}
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Critique API listening on %s", cfg.Addr)
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
