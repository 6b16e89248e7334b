// Package slack implements the Slack channel over Socket Mode.
// The bot token drives the Web API; the app-level token opens the
// Socket Mode websocket that delivers Events API payloads.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nous-labs/spp/pkg/channel"
)

// ErrMissingTokens is returned when either Slack token is empty.
var ErrMissingTokens = errors.New("slack: bot token and app token are required")

// Config holds Slack channel configuration.
type Config struct {
	BotToken string // xoxb-...
	AppToken string // xapp-...
	Debug    bool
}

// poster is the subset of the Web API the channel needs for replies.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Channel implements channel.Channel for Slack.
type Channel struct {
	config  Config
	api     *slack.Client
	poster  poster
	socket  *socketmode.Client
	handler channel.Handler
	botUser string
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// New creates a new Slack channel. Tokens are validated here so a
// misconfigured process fails at startup rather than on first event.
func New(cfg Config) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, ErrMissingTokens
	}
	api := slack.New(cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
		slack.OptionDebug(cfg.Debug),
	)
	return &Channel{
		config: cfg,
		api:    api,
		poster: api,
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "slack" }

// Mention renders a Slack user mention.
func (c *Channel) Mention(userID string) string { return "<@" + userID + ">" }

// Start opens the Socket Mode connection and handles events until ctx is
// cancelled. Events are handled one at a time, in arrival order.
func (c *Channel) Start(ctx context.Context, handler channel.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.handler = handler
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUser = auth.UserID
	slog.Info("slack authenticated", "team", auth.Team, "bot_user", auth.UserID)

	c.socket = socketmode.New(c.api, socketmode.OptionDebug(c.config.Debug))

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.socket.RunContext(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slack socket mode: %w", err)
		case evt, ok := <-c.socket.Events:
			if !ok {
				return nil
			}
			c.onSocketEvent(ctx, evt)
		}
	}
}

// Send posts a message to a Slack conversation.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	_, _, err := c.poster.PostMessageContext(ctx, resp.ConversationID,
		slack.MsgOptionText(resp.Content, false),
	)
	if err != nil {
		slog.Error("slack send failed", "channel", resp.ConversationID, "len", len(resp.Content), "error", err)
		return err
	}
	slog.Info("slack message sent", "channel", resp.ConversationID, "len", len(resp.Content))
	return nil
}

// Stop closes the Socket Mode connection.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// --- Event Handlers ---

func (c *Channel) onSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Info("slack connecting to socket mode")
	case socketmode.EventTypeConnected:
		slog.Info("slack socket mode connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack socket mode connection error, retrying", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			slog.Warn("slack events api payload has unexpected type", "type", fmt.Sprintf("%T", evt.Data))
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.dispatch(ctx, apiEvent)
	}
}

// dispatch translates an Events API callback and hands it to the handler.
func (c *Channel) dispatch(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	var (
		evt channel.Event
		ok  bool
	)
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		evt, ok = translateMessage(inner, c.botUser)
	case *slackevents.MemberJoinedChannelEvent:
		evt, ok = translateMemberJoined(inner)
	}
	if !ok {
		return
	}

	slog.Debug("slack event received",
		"kind", evt.Kind,
		"sender", evt.SenderID,
		"channel", evt.ConversationID,
		"content", truncate(evt.Text, 100),
	)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler(ctx, evt, channel.ReplyTo(c, evt)); err != nil {
		slog.Error("event handler error", "channel", evt.ConversationID, "error", err)
	}
}

// userSubtypes are message subtypes that still carry a human-authored text.
// Everything else (edits, deletions, joins, topic changes) is not a new message.
var userSubtypes = map[string]bool{
	"":                 true,
	"file_share":       true,
	"thread_broadcast": true,
	"me_message":       true,
	"bot_message":      true,
}

func translateMessage(m *slackevents.MessageEvent, botUser string) (channel.Event, bool) {
	if m == nil || !userSubtypes[m.SubType] {
		return channel.Event{}, false
	}
	kind := channel.ConversationChannel
	if m.ChannelType == "im" {
		kind = channel.ConversationDirect
	}
	return channel.Event{
		Source:         "slack",
		Kind:           channel.KindMessage,
		Text:           m.Text,
		SenderID:       m.User,
		ConversationID: m.Channel,
		Conversation:   kind,
		FromBot:        m.BotID != "" || m.SubType == "bot_message" || (botUser != "" && m.User == botUser),
	}, true
}

func translateMemberJoined(m *slackevents.MemberJoinedChannelEvent) (channel.Event, bool) {
	if m == nil || m.User == "" {
		return channel.Event{}, false
	}
	return channel.Event{
		Source:         "slack",
		Kind:           channel.KindMemberJoined,
		ConversationID: m.Channel,
		JoinedUserID:   m.User,
	}, true
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
