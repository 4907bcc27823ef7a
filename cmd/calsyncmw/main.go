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
	"github.com/macjediwizard/calsyncmw/internal/activity"
	"github.com/macjediwizard/calsyncmw/internal/caldav"
	"github.com/macjediwizard/calsyncmw/internal/config"
	"github.com/macjediwizard/calsyncmw/internal/db"
	"github.com/macjediwizard/calsyncmw/internal/notify"
	"github.com/macjediwizard/calsyncmw/internal/scheduler"
	syncengine "github.com/macjediwizard/calsyncmw/internal/sync"
	"github.com/macjediwizard/calsyncmw/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	validateTimeout = 15 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalSyncMW...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Verify the configured endpoints are reachable before serving
	validateCtx, cancelValidate := context.WithTimeout(context.Background(), validateTimeout)
	if err := cfg.Validate(validateCtx); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cancelValidate()

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

	// Initialize CalDAV client
	target, err := caldav.NewClient(caldav.Options{
		BaseURL:       cfg.CalDAV.URL,
		Username:      cfg.CalDAV.Username,
		Password:      cfg.CalDAV.Password,
		CalendarPath:  cfg.CalDAV.CalendarPath,
		Timeout:       cfg.CalDAV.Timeout,
		RetryAttempts: cfg.CalDAV.RetryAttempts,
		RetryDelay:    cfg.CalDAV.RetryDelay,
	})
	if err != nil {
		log.Fatalf("Failed to initialize CalDAV client: %v", err)
	}

	// Initialize notifier for alerts
	notifier := notify.New(&notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	})
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (threshold: %d consecutive errors)", cfg.Alerts.ErrorThreshold)
	}

	// Initialize sync engine
	engine := syncengine.New(database, target, syncengine.Options{
		Strategy:    cfg.Sync.ConflictStrategy,
		Deduplicate: cfg.Sync.Deduplicate,
		DefaultZone: cfg.DefaultZone(),
		PriorityFor: cfg.PriorityFor,
		OnSourceErrors: func(sourceID string, consecutive int) {
			if consecutive >= cfg.Alerts.ErrorThreshold {
				notifier.SourceErrors(context.Background(), sourceID, consecutive)
			}
		},
		OnSourceRecovered: notifier.ClearCooldown,
	})

	// Initialize scheduler for retry sweep and history retention
	sched := scheduler.New(database, engine, cfg.Scheduler.RetrySweepSchedule, cfg.Scheduler.HistoryRetentionDays)

	// Initialize handlers
	tracker := activity.NewTracker()
	handlers := web.NewHandlers(database, engine, tracker, target)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	web.SetupRoutes(router, handlers, web.RouteConfig{
		APIKeys: cfg.Auth.APIKeys,
		RPS:     cfg.RateLimiting.RPS,
		Burst:   cfg.RateLimiting.Burst,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

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

	// Stop scheduler
	sched.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
