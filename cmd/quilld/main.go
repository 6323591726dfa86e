package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/auth"
	"github.com/quillmarket/quill/internal/compliance"
	"github.com/quillmarket/quill/internal/config"
	"github.com/quillmarket/quill/internal/database"
	"github.com/quillmarket/quill/internal/listings"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/internal/middleware/ratelimit"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/internal/payments"
	redisconn "github.com/quillmarket/quill/internal/redis"
	"github.com/quillmarket/quill/internal/reminders"
	"github.com/quillmarket/quill/internal/server"
	"github.com/quillmarket/quill/internal/support"
	"github.com/quillmarket/quill/pkg/logger"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/validation"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Create logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	dbTicker := time.NewTicker(30 * time.Second)
	go func() {
		for range dbTicker.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	// Dependencies shared across services
	validator := validation.NewValidator(zapLogger)

	var mail mailer.Mailer
	if cfg.Mail.Enabled {
		mail = mailer.NewSMTPMailer(zapLogger, cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password, cfg.Mail.From)
	} else {
		mail = mailer.NewNopMailer(zapLogger)
	}

	paymentClient := payments.NewClient(zapLogger, cfg.Payments.BaseURL, cfg.Payments.APIKey, cfg.Payments.Timeout)

	// Create services
	auditSvc, err := audit.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create audit service", zap.Error(err))
	}

	authSvc, err := auth.NewService(zapLogger, db, cfg.JWT.Secret, time.Duration(cfg.JWT.ExpirationHours)*time.Hour)
	if err != nil {
		zapLogger.Fatal("Failed to create auth service", zap.Error(err))
	}

	ordersSvc, err := orders.NewService(zapLogger, db, paymentClient, auditSvc, mail, cfg.Orders.ShipWindow, cfg.Orders.DeliverWindow)
	if err != nil {
		zapLogger.Fatal("Failed to create orders service", zap.Error(err))
	}

	listingsSvc, err := listings.NewService(zapLogger, db, ordersSvc, validator)
	if err != nil {
		zapLogger.Fatal("Failed to create listings service", zap.Error(err))
	}

	supportSvc, err := support.NewService(zapLogger, db, auditSvc, mail, validator)
	if err != nil {
		zapLogger.Fatal("Failed to create support service", zap.Error(err))
	}

	complianceSvc, err := compliance.NewService(zapLogger, db, ordersSvc, auditSvc)
	if err != nil {
		zapLogger.Fatal("Failed to create compliance service", zap.Error(err))
	}

	webhooks := payments.NewWebhookProcessor(zapLogger, db, ordersSvc, cfg.Payments.WebhookSecret)

	scheduler := reminders.NewScheduler(zapLogger, db, mail, auditSvc, cfg.Reminders.Interval, cfg.Reminders.Window)

	// Rate limiting over Redis
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		redisClient, err := redisconn.NewClient(zapLogger, redisconn.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		limiter = ratelimit.NewLimiter(zapLogger, redisClient, cfg.RateLimit.RequestsPerMinute, time.Minute)
	}

	// Start services
	if err := auditSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start audit service", zap.Error(err))
	}
	if err := authSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start auth service", zap.Error(err))
	}
	if err := ordersSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start orders service", zap.Error(err))
	}
	if err := listingsSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start listings service", zap.Error(err))
	}
	if err := supportSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start support service", zap.Error(err))
	}
	if err := complianceSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start compliance service", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		zapLogger.Fatal("Failed to start reminder scheduler", zap.Error(err))
	}

	// Create and start HTTP server
	apiServer := server.NewServer(zapLogger, authSvc, listingsSvc, ordersSvc, supportSvc, complianceSvc, auditSvc, webhooks, limiter)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	dbTicker.Stop()

	// Stop services in reverse start order
	if err := scheduler.Stop(); err != nil {
		zapLogger.Error("Failed to stop reminder scheduler", zap.Error(err))
	}
	if err := complianceSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop compliance service", zap.Error(err))
	}
	if err := supportSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop support service", zap.Error(err))
	}
	if err := listingsSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop listings service", zap.Error(err))
	}
	if err := ordersSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop orders service", zap.Error(err))
	}
	if err := authSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop auth service", zap.Error(err))
	}
	if err := auditSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop audit service", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
