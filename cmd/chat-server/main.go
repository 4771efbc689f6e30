package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"insurance-chat-backend/internal/ai"
	"insurance-chat-backend/internal/api"
	"insurance-chat-backend/internal/api/router"
	"insurance-chat-backend/internal/database"
	"insurance-chat-backend/internal/env"
	"insurance-chat-backend/internal/knowledge"
	"insurance-chat-backend/internal/queue"
	"insurance-chat-backend/internal/service/chat"
	"insurance-chat-backend/internal/service/coordinator"
	"insurance-chat-backend/internal/service/escalation"
	"insurance-chat-backend/internal/slackbridge"
	"insurance-chat-backend/internal/websocket"
)

func main() {
	_ = godotenv.Load()
	env.RequireSet(
		env.AWSRegion, env.AWSID, env.AWSSecret,
		env.SessionSecretKey,
		env.OpenAIAPIKey,
		env.SlackBotToken, env.SlackAppToken, env.SlackEscalationChannel,
	)

	queueManager := queue.NewRequestQueueManager(10, 10)
	db, err := database.NewDatabase()
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}

	coord := coordinator.New(db)
	coord.SetDeliveryGrace(time.Duration(env.GetIntOrDefault(env.DeliveryGraceSeconds, 300)) * time.Second)
	if env.Get(env.ChatRedisURL) != "" {
		coord.SetNotifier(websocket.NewPendingNotifier())
	}

	aiClient := ai.NewOpenAIClient()

	var searcher knowledge.Searcher
	if env.Get(env.KnowledgeEndpoint) != "" {
		searcher = knowledge.NewHTTPSearcher()
	}

	bridge, err := slackbridge.New(coord, slackbridge.Opts{
		BotToken:  env.Get(env.SlackBotToken),
		AppToken:  env.Get(env.SlackAppToken),
		ChannelID: env.Get(env.SlackEscalationChannel),
	})
	if err != nil {
		log.Fatalf("slack bridge init failed: %v", err)
	}
	// The chat server only posts to Slack; the bridge server owns the
	// socket-mode listener.
	if err := bridge.Connect(context.Background()); err != nil {
		log.Fatalf("slack connect failed: %v", err)
	}

	evaluator := escalation.NewEvaluator(coord, aiClient, bridge, escalation.PolicyFromEnv())

	replyTimeout := time.Duration(env.GetIntOrDefault(env.ReplyTimeoutMillis, 30000)) * time.Millisecond
	chatService := chat.New(coord, aiClient, searcher, evaluator, bridge, replyTimeout)

	server := api.NewAPIServer(
		":81",
		queueManager,
		db,
		nil,
		router.UtilsRoutes("/api/v1"),
		router.SessionRoutes("/api/v1", coord, chatService),
	)

	server.Run()
}
