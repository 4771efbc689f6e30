// Package slackbridge connects the escalation coordinator to the
// operator-chat workspace over Slack Socket Mode. Thread replies from
// specialists feed the coordinator, and block-action buttons drive the
// join/resolve lifecycle.
package slackbridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

const (
	actionJoin    = "join_conversation"
	actionResolve = "resolve_conversation"
	actionEnd     = "end_conversation"
)

// Coordinator is the slice of the escalation coordinator the bridge
// drives from Slack events.
type Coordinator interface {
	QueueSpecialistMessage(ctx context.Context, threadRef, message, sender, specialistID string, at time.Time) (bool, error)
	SpecialistJoin(ctx context.Context, sessionID, specialistID, displayName string) (bool, error)
	Resolve(ctx context.Context, sessionID, reason string) error
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Bridge is the Socket Mode adapter between Slack and the coordinator.
type Bridge struct {
	client    slackClient
	socket    socketClient
	coord     Coordinator
	botUserID string
	appToken  string
	botToken  string
	channelID string // escalation channel new threads are opened in

	mu           sync.Mutex
	connected    bool
	closed       bool
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // escalation channel ID
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Bridge for the given coordinator.
func New(coord Coordinator, opts Opts) (*Bridge, error) {
	if coord == nil {
		return nil, fmt.Errorf("slackbridge: coordinator is required")
	}
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slackbridge: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slackbridge: app token is required for socket mode")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slackbridge: escalation channel is required")
	}

	b := &Bridge{
		coord:        coord,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	if opts.Client != nil {
		b.client = opts.Client
	}
	if opts.Socket != nil {
		b.socket = opts.Socket
	}
	return b, nil
}

// Connect establishes the Socket Mode WebSocket connection.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("slackbridge: bridge already closed")
	}
	if b.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if b.client == nil {
		api := slackapi.New(b.botToken, slackapi.OptionAppLevelToken(b.appToken))
		b.client = api
		b.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Bot user ID is needed for self-message filtering.
	auth, err := b.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slackbridge: auth test: %w", err)
	}
	b.botUserID = auth.UserID

	b.connected = true
	return nil
}

// Listen starts the Socket Mode event pump in background goroutines.
// Must be called after Connect.
func (b *Bridge) Listen(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return fmt.Errorf("slackbridge: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	b.cancelFunc = cancel
	b.mu.Unlock()

	go b.runWithReconnect(listenCtx)
	go b.pumpEvents(listenCtx)
	return nil
}

// Close shuts down the bridge.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.connected = false
	if b.cancelFunc != nil {
		b.cancelFunc()
	}
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (b *Bridge) BotUserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with
// exponential backoff when Run() returns an error.
func (b *Bridge) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < b.maxReconnect; attempt++ {
		err := b.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * b.baseBackoff
		if wait > b.maxBackoff {
			wait = b.maxBackoff
		}

		log.Printf("slackbridge: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, b.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slackbridge: socket mode exhausted %d reconnection attempts, giving up", b.maxReconnect)
}

// pumpEvents reads Socket Mode events and dispatches them.
func (b *Bridge) pumpEvents(ctx context.Context) {
	events := b.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.handleSocketEvent(ctx, evt)
		}
	}
}

func (b *Bridge) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		b.handleEventsAPI(ctx, eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		b.handleInteraction(ctx, callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slackbridge: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slackbridge: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slackbridge: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slackbridge: server requested disconnect, will reconnect")
	}
}

func (b *Bridge) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		b.handleThreadMessage(ctx, ev)
	}
}

// handleThreadMessage routes a specialist's thread reply to the
// coordinator. Top-level channel messages and bot messages are ignored.
func (b *Bridge) handleThreadMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.User == b.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.ThreadTimeStamp == "" || ev.ThreadTimeStamp == ev.TimeStamp {
		return
	}

	threadRef := ComposeThreadRef(ev.Channel, ev.ThreadTimeStamp)
	sender := b.resolveUserName(ev.User)

	if _, err := b.coord.QueueSpecialistMessage(ctx, threadRef, ev.Text, sender, ev.User, parseSlackTimestamp(ev.TimeStamp)); err != nil {
		log.Printf("slackbridge: failed to queue specialist message from thread %s: %v", threadRef, err)
	}
}

// handleInteraction processes block-action button clicks on escalation
// messages.
func (b *Bridge) handleInteraction(ctx context.Context, callback slackapi.InteractionCallback) {
	if callback.Type != slackapi.InteractionTypeBlockActions {
		return
	}

	specialistID := callback.User.ID
	name := b.resolveUserName(specialistID)
	threadTS := callback.Message.Timestamp
	channelID := callback.Channel.ID

	for _, action := range callback.ActionCallback.BlockActions {
		sessionID := sessionIDFromValue(action.Value)
		if sessionID == "" {
			log.Printf("slackbridge: %s action without session value", action.ActionID)
			continue
		}

		switch action.ActionID {
		case actionJoin:
			joined, err := b.coord.SpecialistJoin(ctx, sessionID, specialistID, name)
			if err != nil {
				log.Printf("slackbridge: join failed for session %s: %v", sessionID, err)
				continue
			}
			if joined {
				b.postThreadNotice(ctx, channelID, threadTS,
					fmt.Sprintf(":wave: *%s* joined the conversation. Reply in this thread to talk to the customer.", name))
			}

		case actionResolve:
			if err := b.coord.Resolve(ctx, sessionID, fmt.Sprintf("resolved by %s", name)); err != nil {
				log.Printf("slackbridge: resolve failed for session %s: %v", sessionID, err)
				continue
			}
			b.postThreadNotice(ctx, channelID, threadTS,
				fmt.Sprintf(":white_check_mark: *%s* marked this conversation complete.", name))

		case actionEnd:
			if err := b.coord.Resolve(ctx, sessionID, fmt.Sprintf("ended by %s", name)); err != nil {
				log.Printf("slackbridge: end failed for session %s: %v", sessionID, err)
				continue
			}
			b.postThreadNotice(ctx, channelID, threadTS,
				fmt.Sprintf(":no_entry: *%s* ended this conversation.", name))

		default:
			log.Printf("slackbridge: unknown action %s", action.ActionID)
		}
	}
}

func (b *Bridge) postThreadNotice(ctx context.Context, channelID, threadTS, text string) {
	if threadTS == "" {
		return
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := b.client.PostMessage(channelID,
			slackapi.MsgOptionTS(threadTS),
			slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		log.Printf("slackbridge: failed to post thread notice: %v", err)
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (b *Bridge) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := b.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return userID
}

// sessionIDFromValue strips the action prefix from a button value like
// "join_<sessionID>".
func sessionIDFromValue(value string) string {
	parts := strings.SplitN(value, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// ComposeThreadRef joins a channel ID and thread timestamp into the
// stable reference the coordinator keys escalations by.
func ComposeThreadRef(channelID, threadTS string) string {
	return channelID + "|" + threadTS
}

// SplitThreadRef is the inverse of ComposeThreadRef.
func SplitThreadRef(threadRef string) (channelID, threadTS string, err error) {
	parts := strings.SplitN(threadRef, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("slackbridge: malformed thread ref %q", threadRef)
	}
	return parts[0], parts[1], nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration
// from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
