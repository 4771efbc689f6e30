package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"insurance-chat-backend/internal/database"
	"insurance-chat-backend/internal/env"
	"insurance-chat-backend/internal/service/coordinator"
	"insurance-chat-backend/internal/slackbridge"
)

func main() {
	_ = godotenv.Load()
	env.RequireSet(
		env.AWSRegion, env.AWSID, env.AWSSecret,
		env.SlackBotToken, env.SlackAppToken, env.SlackEscalationChannel,
	)

	db, err := database.NewDatabase()
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}

	coord := coordinator.New(db)
	coord.SetDeliveryGrace(time.Duration(env.GetIntOrDefault(env.DeliveryGraceSeconds, 300)) * time.Second)

	bridge, err := slackbridge.New(coord, slackbridge.Opts{
		BotToken:  env.Get(env.SlackBotToken),
		AppToken:  env.Get(env.SlackAppToken),
		ChannelID: env.Get(env.SlackEscalationChannel),
	})
	if err != nil {
		log.Fatalf("slack bridge init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Connect(ctx); err != nil {
		log.Fatalf("slack connect failed: %v", err)
	}
	if err := bridge.Listen(ctx); err != nil {
		log.Fatalf("slack listen failed: %v", err)
	}
	log.Printf("bridge server listening for Slack events")

	// Hourly sweep archives resolved sessions that went quiet.
	retention := time.Duration(env.GetIntOrDefault(env.SessionRetentionHours, 72)) * time.Hour
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1h", func() {
		archived, err := coord.ArchiveInactive(context.Background(), retention)
		if err != nil {
			log.Printf("retention sweep failed: %v", err)
			return
		}
		if archived > 0 {
			log.Printf("retention sweep archived %d sessions", archived)
		}
	}); err != nil {
		log.Fatalf("failed to schedule retention sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down bridge server")
	_ = bridge.Close()
}
