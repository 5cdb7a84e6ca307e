package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"glowledger_app/internal/config"
	"glowledger_app/internal/logging"
	"glowledger_app/internal/services"
)

func main() {
	phone := flag.String("phone", "", "Phone number or chat ID (e.g. 08123456789 or 628123456789@c.us)")
	msg := flag.String("msg", "Test message from the booking notifier", "Message body")
	flag.Parse()

	if *phone == "" {
		log.Fatal("Please provide a phone number using -phone flag")
	}

	if err := godotenv.Load(); err != nil {
		log.Info("Note: .env file not found")
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

	service := services.NewWahaService(cfg.Notify.Waha, cfg.Business.PhoneCountryCode)
	chatID := services.NormalizeChatID(*phone, cfg.Business.PhoneCountryCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log.WithField("chat_id", chatID).Info("Sending test message")
	if err := service.SendMessage(ctx, chatID, *msg); err != nil {
		log.Fatalf("Failed to send message: %v", err)
	}
	log.Info("Message sent successfully!")
}
