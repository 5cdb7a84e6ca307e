package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/config"
	"glowledger_app/internal/logging"
	"glowledger_app/internal/services"
	"glowledger_app/internal/tasks"
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

	ledger := services.NewLedger(db, cfg, nil)

	// Channels without credentials stay nil so their events are skipped.
	var whatsapp tasks.WhatsappSender
	if cfg.Notify.Waha.BaseURL != "" {
		whatsapp = services.NewWahaService(cfg.Notify.Waha, cfg.Business.PhoneCountryCode)
	} else {
		log.Warn("WAHA_BASE_URL not set, WhatsApp notifications disabled")
	}
	var email tasks.EmailSender
	if mailer := services.NewEmailService(cfg.Notify.SMTP); mailer.Configured() {
		email = mailer
	} else {
		log.Warn("SMTP not configured, email notifications disabled")
	}

	defs := tasks.NewDefinitions(ledger, whatsapp, email)
	registry := tasks.NewRegistry()
	defs.DefineTasks(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	created, err := defs.EnsureRecurringTasks(ctx, db, ledger.Now())
	if err != nil {
		log.Fatalf("Failed to schedule recurring tasks: %v", err)
	}
	if created > 0 {
		log.WithField("created", created).Info("Recurring tasks scheduled")
	}

	runner := tasks.NewRunner(db, registry, cfg.Worker)
	log.WithFields(log.Fields{"tick": cfg.Worker.Tick(), "tasks": registry.Names()}).Info("Worker started")
	runner.Loop(ctx, cfg.Worker.Tick())
	log.Info("Worker stopped")
}
