// Package matrix implements the Matrix channel using mautrix-go.
// It is an optional second platform next to Slack: the same router answers
// messages and welcomes members in any room the bot has joined.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/spp/pkg/channel"
)

// chunkDelay spaces out the parts of a split message.
var chunkDelay = 500 * time.Millisecond

var errNotStarted = errors.New("matrix: channel not started")

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "spp"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
}

// Enabled reports whether enough is configured to log in.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.Password != ""
}

// Channel implements the channel.Channel interface for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.Handler
	startTime int64
	mu        sync.Mutex
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{config: cfg}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Mention renders the full Matrix user ID; clients linkify it.
func (c *Channel) Mention(userID string) string { return userID }

// Start connects to Matrix and begins listening for events.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler channel.Handler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)

	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	// In-memory sync store; nothing survives a restart.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry handles Matrix password login with exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Send sends a message to a Matrix room, splitting long messages.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	const maxLen = 4000
	if c.client == nil {
		return errNotStarted
	}

	roomID := id.RoomID(resp.ConversationID)
	chunks := splitMessage(resp.Content, maxLen)
	for i, chunk := range chunks {
		prefix := ""
		if len(chunks) > 1 {
			prefix = fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
		}
		if _, err := c.client.SendText(ctx, roomID, prefix+chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkDelay):
			}
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "total_len", len(resp.Content))
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if !c.isAllowed(evt.Sender) {
		return
	}
	msg, ok := translateMessage(evt, c.client.UserID, c.startTime)
	if !ok {
		return
	}
	if c.isDirect(ctx, evt.RoomID) {
		msg.Conversation = channel.ConversationDirect
	}

	slog.Debug("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msg.Text, 100),
	)

	c.deliver(ctx, msg)
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	memberContent := evt.Content.AsMember()
	if memberContent == nil {
		return
	}
	if memberContent.Membership == event.MembershipInvite && id.UserID(evt.GetStateKey()) == c.client.UserID {
		c.acceptInvite(ctx, evt)
		return
	}
	if joined, ok := translateMemberJoined(evt, c.client.UserID, c.startTime); ok {
		c.deliver(ctx, joined)
	}
}

// translateMessage converts a text m.room.message into a message event.
// Non-text messages and events older than since (unix millis) are dropped.
// The conversation kind is left as a channel; the caller decides DMs.
func translateMessage(evt *event.Event, self id.UserID, since int64) (channel.Event, bool) {
	if evt.Timestamp < since {
		return channel.Event{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || !isTextMessage(content.MsgType) {
		return channel.Event{}, false
	}

	var mentioned []id.UserID
	if content.Mentions != nil {
		mentioned = content.Mentions.UserIDs
	}

	return channel.Event{
		Source:         "matrix",
		Kind:           channel.KindMessage,
		Text:           normalizeMentions(content.Body, mentioned),
		SenderID:       string(evt.Sender),
		ConversationID: string(evt.RoomID),
		Conversation:   channel.ConversationChannel,
		FromBot:        evt.Sender == self || content.MsgType == event.MsgNotice,
	}, true
}

// translateMemberJoined converts a fresh join by someone other than the bot.
// Profile changes arrive as join-after-join and are not new members.
func translateMemberJoined(evt *event.Event, self id.UserID, since int64) (channel.Event, bool) {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipJoin {
		return channel.Event{}, false
	}
	target := id.UserID(evt.GetStateKey())
	if target == "" || target == self || evt.Timestamp < since || wasJoined(evt) {
		return channel.Event{}, false
	}
	return channel.Event{
		Source:         "matrix",
		Kind:           channel.KindMemberJoined,
		ConversationID: string(evt.RoomID),
		JoinedUserID:   string(target),
	}, true
}

func (c *Channel) acceptInvite(ctx context.Context, evt *event.Event) {
	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}
	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) deliver(ctx context.Context, evt channel.Event) {
	if c.handler == nil {
		return
	}
	if err := c.handler(ctx, evt, channel.ReplyTo(c, evt)); err != nil {
		slog.Error("event handler error", "room", evt.ConversationID, "error", err)
	}
}

// isDirect treats rooms with exactly two joined members as direct chats.
func (c *Channel) isDirect(ctx context.Context, roomID id.RoomID) bool {
	members, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		slog.Warn("failed to list room members", "room", roomID, "error", err)
		return false
	}
	return len(members.Joined) == 2
}

// --- Helpers ---

// wasJoined reports whether a join event is only a profile change.
func wasJoined(evt *event.Event) bool {
	prevContent := evt.Unsigned.PrevContent
	if prevContent == nil {
		return false
	}
	if prevContent.Parsed == nil {
		if err := prevContent.ParseRaw(event.StateMember); err != nil {
			return false
		}
	}
	return prevContent.AsMember().Membership == event.MembershipJoin
}

func isTextMessage(t event.MessageType) bool {
	switch t {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return true
	}
	return false
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true // no restriction
	}
	if c.client != nil && sender == c.client.UserID {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

var nonWord = regexp.MustCompile(`\W`)

// normalizeMentions rewrites explicitly mentioned Matrix IDs into <@localpart>
// tokens, the mention syntax the router understands.
func normalizeMentions(body string, mentioned []id.UserID) string {
	for _, uid := range mentioned {
		localpart, _, err := uid.Parse()
		if err != nil || localpart == "" {
			continue
		}
		body = strings.ReplaceAll(body, string(uid), "<@"+nonWord.ReplaceAllString(localpart, "_")+">")
	}
	return body
}

func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		chunks = append(chunks, s[:maxLen])
		s = s[maxLen:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
