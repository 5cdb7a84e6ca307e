package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/config"
	"glowledger_app/internal/handlers"
	"glowledger_app/internal/logging"
	"glowledger_app/internal/middleware"
	"glowledger_app/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.Setup(cfg.Log)

	db, err := services.InitDB(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Redis is optional; without it catalog reads go straight to the database
	var cache *services.RedisCache
	if cfg.Redis.URL != "" {
		cache, err = services.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, continuing without cache")
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	ledger := services.NewLedger(db, cfg, cache)
	midtrans := services.NewMidtransService(cfg.Midtrans)
	if !midtrans.Configured() {
		log.Warn("MIDTRANS_SERVER_KEY not set, payment notifications will be rejected")
	} else {
		log.WithField("production", midtrans.IsProduction()).Info("midtrans notifications enabled")
	}
	ledger.Payments.WithMidtrans(midtrans)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verifier middleware.TokenVerifier
	authClient, err := services.InitFirebase(ctx, cfg.Firebase)
	if err != nil {
		log.WithError(err).Warn("Firebase initialization failed, authenticated routes will return 503")
	} else {
		verifier = authClient
	}

	e := handlers.NewServer(ledger, verifier)

	go func() {
		log.Infof("Server starting on port %s", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}
