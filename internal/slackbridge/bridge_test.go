package slackbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/coordinator"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErr  error
	users    map[string]*slackapi.User
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acked  []socketmode.Request
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

// --- Fake coordinator ---

type coordCall struct {
	op        string
	sessionID string
	threadRef string
	message   string
	sender    string
	actor     string
	at        time.Time
}

type fakeBridgeCoordinator struct {
	calls   chan coordCall
	joinOK  bool
	joinErr error
}

func newFakeBridgeCoordinator() *fakeBridgeCoordinator {
	return &fakeBridgeCoordinator{calls: make(chan coordCall, 10), joinOK: true}
}

func (f *fakeBridgeCoordinator) QueueSpecialistMessage(_ context.Context, threadRef, message, sender, specialistID string, at time.Time) (bool, error) {
	f.calls <- coordCall{op: "queue", threadRef: threadRef, message: message, sender: sender, actor: specialistID, at: at}
	return true, nil
}

func (f *fakeBridgeCoordinator) SpecialistJoin(_ context.Context, sessionID, specialistID, displayName string) (bool, error) {
	f.calls <- coordCall{op: "join", sessionID: sessionID, actor: specialistID, sender: displayName}
	return f.joinOK, f.joinErr
}

func (f *fakeBridgeCoordinator) Resolve(_ context.Context, sessionID, reason string) error {
	f.calls <- coordCall{op: "resolve", sessionID: sessionID, message: reason}
	return nil
}

func (f *fakeBridgeCoordinator) nextCall(t *testing.T) coordCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator was not called")
		return coordCall{}
	}
}

// --- Helper to create a connected bridge ---

func newTestBridge(t *testing.T) (*Bridge, *fakeBridgeCoordinator, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	coord := newFakeBridgeCoordinator()

	b, err := New(coord, Opts{
		Client:    client,
		Socket:    socket,
		ChannelID: "C_ESCALATIONS",
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b, coord, client, socket
}

func listen(t *testing.T, b *Bridge) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	return cancel
}

func TestNewRequiresTokensAndChannel(t *testing.T) {
	coord := newFakeBridgeCoordinator()
	if _, err := New(coord, Opts{AppToken: "xapp-test", ChannelID: "C1"}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if _, err := New(coord, Opts{BotToken: "xoxb-test", ChannelID: "C1"}); err == nil {
		t.Fatal("expected error for missing app token")
	}
	if _, err := New(coord, Opts{Client: newMockSlackClient(), Socket: newMockSocketClient()}); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestConnectSetsBotUserID(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	if b.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", b.BotUserID())
	}
}

func TestConnectAuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")
	b, _ := New(newFakeBridgeCoordinator(), Opts{Client: client, Socket: newMockSocketClient(), ChannelID: "C1"})
	if err := b.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Fatalf("expected auth test error, got %v", err)
	}
}

func TestThreadReplyQueuesSpecialistMessage(t *testing.T) {
	b, coord, client, socket := newTestBridge(t)
	client.users["U_SPEC"] = &slackapi.User{
		RealName: "Dana Ortiz",
		Profile:  slackapi.UserProfile{DisplayName: "dana"},
	}
	cancel := listen(t, b)
	defer cancel()

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{
					Channel:         "C_ESCALATIONS",
					User:            "U_SPEC",
					Text:            "I can help with that claim.",
					TimeStamp:       "200.001",
					ThreadTimeStamp: "100.000",
				},
			},
		},
	}

	call := coord.nextCall(t)
	if call.op != "queue" {
		t.Fatalf("expected queue call, got %q", call.op)
	}
	if call.threadRef != "C_ESCALATIONS|100.000" {
		t.Errorf("threadRef = %q", call.threadRef)
	}
	if call.sender != "dana" || call.actor != "U_SPEC" {
		t.Errorf("sender = %q actor = %q", call.sender, call.actor)
	}
	if !call.at.Equal(time.Unix(200, 0)) {
		t.Errorf("event time = %v, want %v", call.at, time.Unix(200, 0))
	}
}

func TestTopLevelAndBotMessagesIgnored(t *testing.T) {
	b, coord, _, socket := newTestBridge(t)
	cancel := listen(t, b)
	defer cancel()

	// Top-level message: no thread timestamp.
	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{Channel: "C_ESCALATIONS", User: "U_SPEC", Text: "hi", TimeStamp: "1.0"},
			},
		},
	}
	// Self message in a thread.
	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{Channel: "C_ESCALATIONS", User: "U_BOT_123", Text: "echo", TimeStamp: "2.0", ThreadTimeStamp: "1.0"},
			},
		},
	}

	select {
	case call := <-coord.calls:
		t.Fatalf("unexpected coordinator call %v", call)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestJoinButtonMarksSpecialistJoined(t *testing.T) {
	b, coord, client, socket := newTestBridge(t)
	client.users["U_SPEC"] = &slackapi.User{RealName: "Dana Ortiz"}
	cancel := listen(t, b)
	defer cancel()

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeInteractive,
		Data: blockActionCallback("U_SPEC", actionJoin, "join_sess-1"),
	}

	call := coord.nextCall(t)
	if call.op != "join" || call.sessionID != "sess-1" {
		t.Fatalf("expected join for sess-1, got %+v", call)
	}
	if call.sender != "Dana Ortiz" {
		t.Errorf("display name = %q", call.sender)
	}

	// A confirmation notice lands in the escalation thread.
	waitForPosts(t, client, 1)
}

func TestResolveAndEndButtonsResolveSession(t *testing.T) {
	b, coord, _, socket := newTestBridge(t)
	cancel := listen(t, b)
	defer cancel()

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeInteractive,
		Data: blockActionCallback("U_SPEC", actionResolve, "resolve_sess-2"),
	}
	call := coord.nextCall(t)
	if call.op != "resolve" || call.sessionID != "sess-2" {
		t.Fatalf("expected resolve for sess-2, got %+v", call)
	}
	if !strings.Contains(call.message, "resolved by") {
		t.Errorf("reason = %q", call.message)
	}

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeInteractive,
		Data: blockActionCallback("U_SPEC", actionEnd, "end_sess-3"),
	}
	call = coord.nextCall(t)
	if call.op != "resolve" || call.sessionID != "sess-3" {
		t.Fatalf("expected resolve for sess-3, got %+v", call)
	}
	if !strings.Contains(call.message, "ended by") {
		t.Errorf("reason = %q", call.message)
	}
}

func TestOpenThreadPostsEscalationCard(t *testing.T) {
	b, _, client, _ := newTestBridge(t)

	transcript := []model.TurnItem{
		{Role: model.TurnRoleUser, Content: "I need help with my policy"},
		{Role: model.TurnRoleAssistant, Content: "Happy to help."},
	}
	threadRef, err := b.OpenThread(context.Background(), "sess-9", coordinator.EscalationParams{
		Reason:     "explicit request for a human",
		Urgency:    "high",
		Indicators: []string{"explicit_request"},
	}, transcript)
	if err != nil {
		t.Fatalf("OpenThread: %v", err)
	}
	if threadRef != "C_ESCALATIONS|1234567890.123456" {
		t.Errorf("threadRef = %q", threadRef)
	}
	// Escalation card plus the transcript context reply.
	if got := client.postedCount(); got != 2 {
		t.Errorf("posted %d messages, want 2", got)
	}
}

func TestPostUserMessageRequiresValidThreadRef(t *testing.T) {
	b, _, client, _ := newTestBridge(t)

	if err := b.PostUserMessage(context.Background(), "missing-separator", "hi"); err == nil {
		t.Fatal("expected error for malformed thread ref")
	}
	if err := b.PostUserMessage(context.Background(), "C1|100.0", "hi"); err != nil {
		t.Fatalf("PostUserMessage: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted %d messages, want 1", client.postedCount())
	}
}

func TestSplitThreadRefRoundTrip(t *testing.T) {
	ref := ComposeThreadRef("C9", "42.007")
	channel, ts, err := SplitThreadRef(ref)
	if err != nil {
		t.Fatalf("SplitThreadRef: %v", err)
	}
	if channel != "C9" || ts != "42.007" {
		t.Errorf("got %q %q", channel, ts)
	}
	if _, _, err := SplitThreadRef("nodivider"); err == nil {
		t.Fatal("expected error for ref without divider")
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	ts := parseSlackTimestamp("1234567890.123456")
	if ts.Unix() != 1234567890 {
		t.Errorf("unix = %d", ts.Unix())
	}
	if !parseSlackTimestamp("garbage").IsZero() {
		t.Error("expected zero time for garbage input")
	}
}

func blockActionCallback(userID, actionID, value string) slackapi.InteractionCallback {
	return slackapi.InteractionCallback{
		Type: slackapi.InteractionTypeBlockActions,
		User: slackapi.User{ID: userID},
		Channel: slackapi.Channel{
			GroupConversation: slackapi.GroupConversation{
				Conversation: slackapi.Conversation{ID: "C_ESCALATIONS"},
			},
		},
		Message: slackapi.Message{Msg: slackapi.Msg{Timestamp: "100.000"}},
		ActionCallback: slackapi.ActionCallbacks{
			BlockActions: []*slackapi.BlockAction{
				{ActionID: actionID, Value: value},
			},
		},
	}
}

func waitForPosts(t *testing.T, client *mockSlackClient, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.postedCount() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d posted messages, got %d", want, client.postedCount())
}
