package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dayflowhq/dayflow-sync/internal/adapters"
	"github.com/dayflowhq/dayflow-sync/internal/audit"
	"github.com/dayflowhq/dayflow-sync/internal/config"
	"github.com/dayflowhq/dayflow-sync/internal/crypto"
	"github.com/dayflowhq/dayflow-sync/internal/db"
	"github.com/dayflowhq/dayflow-sync/internal/integration"
	"github.com/dayflowhq/dayflow-sync/internal/oauth"
	"github.com/dayflowhq/dayflow-sync/internal/sync"
	"github.com/dayflowhq/dayflow-sync/internal/transform"
	"github.com/dayflowhq/dayflow-sync/internal/validator"
	"github.com/dayflowhq/dayflow-sync/internal/web"
	"github.com/dayflowhq/dayflow-sync/internal/webhook"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Dayflow Sync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize encryptor
	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// Register service adapters and their vocabularies
	registry := integration.NewRegistry()
	transformer := transform.NewTransformer()
	adapters.Register(registry, transformer)

	// OAuth manager with per-service app credentials. Services without
	// credentials stay listed but cannot be connected.
	credentials := map[string]oauth.ClientCredentials{
		"todoist": {
			ClientID:     cfg.OAuth.Todoist.ClientID,
			ClientSecret: cfg.OAuth.Todoist.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
		},
		"google_calendar": {
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
		},
	}
	// Audit sink: process log, plus an HTTP endpoint when configured
	var auditSink audit.Sink = audit.NewLogSink()
	if cfg.Audit.WebhookURL != "" {
		auditSink = audit.NewMultiSink(auditSink, audit.NewHTTPSink(cfg.Audit.WebhookURL, nil))
	}

	oauthManager := oauth.NewManager(database, encryptor, registry, credentials, nil, auditSink)

	// Outbound webhook surface. The validator's client is reused for
	// deliveries so its address checks also apply at dial time.
	var validatorOpts []validator.Option
	if cfg.Webhooks.AllowPrivateTargets {
		validatorOpts = append(validatorOpts, validator.WithAllowPrivateIPs())
	}
	urlValidator := validator.New(validatorOpts...)
	deliverer := webhook.NewDeliverer(database, urlValidator.Client())

	// Initialize sync engine. Local changes it applies are fanned out to
	// registered endpoints through the deliverer.
	engine := sync.NewEngine(database, registry, transformer, oauthManager, auditSink, deliverer, nil)
	if err := engine.RecoverInterrupted(); err != nil {
		log.Fatalf("Failed to recover interrupted jobs: %v", err)
	}

	webhookManager := webhook.NewManager(database, registry, engine, urlValidator, auditSink)

	// Initialize scheduler
	scheduler := sync.NewScheduler(database, engine)

	// Initialize handlers
	handlers := web.NewHandlers(
		database,
		oauthManager,
		engine,
		scheduler,
		webhookManager,
		registry,
		cfg.Sync,
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	// Setup routes
	web.SetupRoutes(router, handlers, cfg)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start background workers
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	deliverer.Start()

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop background workers and wait for in-flight syncs
	scheduler.Stop()
	deliverer.Stop()
	engine.Wait()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
