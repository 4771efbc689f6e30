package env

import (
	"os"
	"strconv"
)

const (
	AWSRegion        = "AWS_REGION"
	AWSID            = "AWS_ID"
	AWSSecret        = "AWS_SECRET"
	AWSToken         = "AWS_TOKEN"
	DynamoDBEndpoint = "DYNAMODB_ENDPOINT"

	SessionSecretKey = "SESSION_SECRET"

	OpenAIAPIKey = "OPENAI_API_KEY"
	OpenAIModel  = "OPENAI_MODEL"

	SlackBotToken          = "SLACK_BOT_TOKEN"
	SlackAppToken          = "SLACK_APP_TOKEN"
	SlackEscalationChannel = "SLACK_ESCALATION_CHANNEL"

	KnowledgeEndpoint = "KNOWLEDGE_ENDPOINT"
	KnowledgeAPIKey   = "KNOWLEDGE_API_KEY"
	KnowledgeMinScore = "KNOWLEDGE_MIN_SCORE"

	ChatRedisURL  = "CHAT_REDIS_URL"
	ChatRedisPass = "CHAT_REDIS_PASS"

	EscalationKeywords      = "ESCALATION_KEYWORDS"
	EscalationAngryWindow   = "ESCALATION_ANGRY_WINDOW"
	EscalationAngryMin      = "ESCALATION_ANGRY_MIN"
	EscalationMaxOpenTurns  = "ESCALATION_MAX_OPEN_TURNS"
	SessionRetentionHours   = "SESSION_RETENTION_HOURS"
	DeliveryGraceSeconds    = "DELIVERY_GRACE_SECONDS"
	ClassifierTimeoutMillis = "CLASSIFIER_TIMEOUT_MS"
	ReplyTimeoutMillis      = "REPLY_TIMEOUT_MS"

	WebUrl = "WEB_URL"
)

func Get(key string) string {
	return os.Getenv(key)
}

func GetOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func GetIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func MustGet(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic("env: required environment variable not set: " + key)
	}
	return val
}

// RequireSet is called by each main with the variables that binary needs.
func RequireSet(keys ...string) {
	for _, key := range keys {
		if os.Getenv(key) == "" {
			panic("env: required environment variable not set: " + key)
		}
	}
}
