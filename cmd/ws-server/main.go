package main

import (
	"log"

	"github.com/joho/godotenv"

	"insurance-chat-backend/internal/api"
	"insurance-chat-backend/internal/api/router"
	"insurance-chat-backend/internal/database"
	"insurance-chat-backend/internal/env"
	"insurance-chat-backend/internal/queue"
	"insurance-chat-backend/internal/websocket"
)

func main() {
	_ = godotenv.Load()
	env.RequireSet(
		env.AWSRegion, env.AWSID, env.AWSSecret,
		env.SessionSecretKey,
		env.ChatRedisURL,
	)

	queueManager := queue.NewRequestQueueManager(10, 10)
	db, err := database.NewDatabase()
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}

	hub := websocket.NewHub()
	go hub.Run()
	handler := websocket.NewHandler(hub)

	server := api.NewAPIServer(
		":83",
		queueManager,
		db,
		handler,
		router.UtilsRoutes("/api/ws/v1"),
		router.WebsocketRoutes("/api/ws/v1"),
	)

	handler.SubscribeToRedisChannels()

	server.Run()
}
