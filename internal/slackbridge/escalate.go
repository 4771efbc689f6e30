package slackbridge

import (
	"context"
	"fmt"
	"strings"

	slackapi "github.com/slack-go/slack"

	"insurance-chat-backend/internal/model"
	"insurance-chat-backend/internal/service/coordinator"
)

// contextTurns caps how much transcript is replayed into a new thread.
const contextTurns = 10

var urgencyEmoji = map[string]string{
	"low":      ":large_green_circle:",
	"medium":   ":large_yellow_circle:",
	"high":     ":large_orange_circle:",
	"critical": ":red_circle:",
}

// OpenThread posts the escalation card to the configured channel and
// returns the thread reference for the new thread. The recent transcript
// is replayed as a thread reply so specialists see the context before
// joining.
func (b *Bridge) OpenThread(ctx context.Context, sessionID string, params coordinator.EscalationParams, transcript []model.TurnItem) (string, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", fmt.Errorf("slackbridge: not connected")
	}
	channelID := b.channelID
	b.mu.Unlock()

	blocks := escalationBlocks(sessionID, params, len(transcript))

	var threadTS string
	err := retryOnRateLimit(ctx, func() error {
		_, ts, postErr := b.client.PostMessage(channelID,
			slackapi.MsgOptionText("Customer conversation escalation required", false),
			slackapi.MsgOptionBlocks(blocks...))
		if postErr == nil {
			threadTS = ts
		}
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slackbridge: open escalation thread: %w", err)
	}

	b.postTranscriptContext(ctx, channelID, threadTS, transcript)

	return ComposeThreadRef(channelID, threadTS), nil
}

// PostUserMessage forwards a customer message into an existing operator
// thread so the handling specialist sees it where they are working.
func (b *Bridge) PostUserMessage(ctx context.Context, threadRef, message string) error {
	channelID, threadTS, err := SplitThreadRef(threadRef)
	if err != nil {
		return err
	}
	err = retryOnRateLimit(ctx, func() error {
		_, _, postErr := b.client.PostMessage(channelID,
			slackapi.MsgOptionTS(threadTS),
			slackapi.MsgOptionText(fmt.Sprintf(":speech_balloon: *Customer:* %s", message), false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slackbridge: post user message: %w", err)
	}
	return nil
}

func escalationBlocks(sessionID string, params coordinator.EscalationParams, turnCount int) []slackapi.Block {
	shortID := sessionID
	if len(shortID) > 8 {
		shortID = shortID[:8] + "..."
	}
	urgency := params.Urgency
	if urgency == "" {
		urgency = "medium"
	}
	emoji, ok := urgencyEmoji[urgency]
	if !ok {
		emoji = ":white_circle:"
	}

	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(
			slackapi.NewTextBlockObject(slackapi.PlainTextType, ":rotating_light: Customer Conversation Escalation", true, false)),
		slackapi.NewSectionBlock(nil, []*slackapi.TextBlockObject{
			slackapi.NewTextBlockObject(slackapi.MarkdownType, fmt.Sprintf("*Conversation ID:*\n`%s`", shortID), false, false),
			slackapi.NewTextBlockObject(slackapi.MarkdownType, fmt.Sprintf("*Urgency:* %s %s", emoji, strings.Title(urgency)), false, false),
			slackapi.NewTextBlockObject(slackapi.MarkdownType, fmt.Sprintf("*Messages:* %d", turnCount), false, false),
		}, nil),
	}

	if len(params.Indicators) > 0 {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType,
				fmt.Sprintf("*:warning: Indicators:* %s", strings.Join(params.Indicators, ", ")), false, false),
			nil, nil))
	}
	if params.Reason != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType,
				fmt.Sprintf("*Escalation Reason:*\n%s", params.Reason), false, false),
			nil, nil))
	}

	join := slackapi.NewButtonBlockElement(actionJoin, "join_"+sessionID,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "Join Conversation", false, false))
	join.Style = slackapi.StylePrimary
	resolve := slackapi.NewButtonBlockElement(actionResolve, "resolve_"+sessionID,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "Mark Complete", false, false))
	resolve.Style = slackapi.StylePrimary
	end := slackapi.NewButtonBlockElement(actionEnd, "end_"+sessionID,
		slackapi.NewTextBlockObject(slackapi.PlainTextType, "End Conversation", false, false))
	end.Style = slackapi.StyleDanger

	blocks = append(blocks, slackapi.NewActionBlock("escalation_actions", join, resolve, end))
	return blocks
}

// postTranscriptContext replays the tail of the conversation into the
// thread. Failures are logged, not returned: the escalation already
// happened.
func (b *Bridge) postTranscriptContext(ctx context.Context, channelID, threadTS string, transcript []model.TurnItem) {
	if len(transcript) == 0 {
		return
	}
	start := 0
	if len(transcript) > contextTurns {
		start = len(transcript) - contextTurns
	}

	var sb strings.Builder
	sb.WriteString("*Recent conversation:*\n")
	for _, turn := range transcript[start:] {
		label := "Customer"
		switch turn.Role {
		case model.TurnRoleAssistant:
			label = "Assistant"
		case model.TurnRoleSpecialist:
			label = "Specialist"
		case model.TurnRoleSystem:
			label = "System"
		}
		sb.WriteString(fmt.Sprintf("> *%s:* %s\n", label, turn.Content))
	}

	b.postThreadNotice(ctx, channelID, threadTS, sb.String())
}
