package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/diewo77/esign/internal/config"
	"github.com/diewo77/esign/internal/db"
	"github.com/diewo77/esign/internal/notify"
	"github.com/diewo77/esign/internal/otp"
	"github.com/diewo77/esign/internal/pdf"
	"github.com/diewo77/esign/internal/server"
	"github.com/diewo77/esign/internal/services"
	"github.com/diewo77/esign/internal/storage"
	"github.com/diewo77/esign/internal/token"
)

var migrateOnlyFlag = flag.Bool("migrate-only", false, "Run DB migrations and exit")

func main() {
	flag.Parse()

	// Load environment variables from .env file
	_ = godotenv.Load()
	cfg := config.Load()

	logger := buildLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	dbConn, err := db.ConnectAndMigrate(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if *migrateOnlyFlag {
		logger.Info("migrations completed")
		return
	}

	blobs, err := storage.NewFS(cfg.StorageDir)
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	var otpStore otp.Store = otp.NewMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		otpStore = otp.NewRedisStore(client)
		logger.Info("otp store backed by redis", zap.String("addr", cfg.RedisAddr))
	}

	wf := services.NewWorkflow(services.Deps{
		DB:       dbConn,
		Log:      logger,
		Tokens:   token.NewCodec(cfg.Secret),
		OTP:      otpStore,
		Blobs:    blobs,
		Sender:   &notify.SMTPSender{Host: cfg.SMTPHost, Port: cfg.SMTPPort, User: cfg.SMTPUser, Password: cfg.SMTPPassword, From: cfg.SMTPFrom},
		Stamper:  pdf.NewStamper(blobs, cfg.HandwritingFontPath, logger),
		Sealer:   pdf.NewSealer(blobs, cfg.Secret),
		Accounts: services.NewAccountDirectory(dbConn),
		Audit:    services.NewRecorder(dbConn, logger),
		BaseURL:  cfg.BaseURL,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.New(dbConn, wf, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped gracefully")
}

func buildLogger(env string) *zap.Logger {
	if env == "production" {
		logger, err := zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to build logger: %v", err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}
