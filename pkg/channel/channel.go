// Package channel defines the interface for chat platform channels.
// Channels are how the bot hears the world and talks back: Slack and Matrix.
package channel

import "context"

// Kind distinguishes the event shapes a channel can deliver.
type Kind int

const (
	// KindMessage is a plain chat message.
	KindMessage Kind = iota
	// KindMemberJoined is a membership notification for a user entering a conversation.
	KindMemberJoined
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindMemberJoined:
		return "member_joined"
	default:
		return "unknown"
	}
}

// ConversationKind tells public/private channels apart from direct messages.
type ConversationKind int

const (
	ConversationChannel ConversationKind = iota
	ConversationDirect
)

func (c ConversationKind) String() string {
	if c == ConversationDirect {
		return "direct"
	}
	return "channel"
}

// Event is a single inbound event from any channel.
// It is immutable once a channel hands it to a handler.
type Event struct {
	// Source identifies the channel (e.g., "slack", "matrix")
	Source string

	// Kind is the event shape
	Kind Kind

	// Text is the message text; empty when the platform delivered none
	Text string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// ConversationID is the channel-specific room/channel identifier
	ConversationID string

	// Conversation is the conversation kind the event arrived in
	Conversation ConversationKind

	// FromBot is set when the event was produced by a bot, including ourselves
	FromBot bool

	// JoinedUserID is the user who joined, for KindMemberJoined
	JoinedUserID string
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send
	Content string

	// ConversationID is the target room/channel
	ConversationID string
}

// ReplyFunc sends text back to the conversation an event came from.
type ReplyFunc func(ctx context.Context, text string) error

// Channel is the interface for a chat platform channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "slack").
	Name() string

	// Start begins listening for events. Blocks until ctx is cancelled.
	// Events are delivered to the handler one at a time.
	Start(ctx context.Context, handler Handler) error

	// Send sends a response to a specific conversation on this channel.
	Send(ctx context.Context, resp Response) error

	// Mention renders a user reference in the platform's mention syntax.
	Mention(userID string) string

	// Stop gracefully shuts down the channel.
	Stop() error
}

// Handler is called for every event received from a channel.
type Handler func(ctx context.Context, evt Event, reply ReplyFunc) error

// ReplyTo binds a channel's Send to the conversation of evt.
func ReplyTo(ch Channel, evt Event) ReplyFunc {
	return func(ctx context.Context, text string) error {
		return ch.Send(ctx, Response{ConversationID: evt.ConversationID, Content: text})
	}
}
