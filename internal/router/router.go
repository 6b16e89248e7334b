// Package router decides how the bot answers an inbound chat event.
//
// Message events run through an ordered rule table where the first match
// wins. Messages that match nothing but are addressed to the bot (a mention
// token or a direct message) fall back to the LLM gateway. Membership events
// are welcomed independently of the rule table.
package router

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/nous-labs/spp/pkg/channel"
)

// Gateway answers open-ended prompts. Implementations never fail; they
// return a displayable string.
type Gateway interface {
	Ask(ctx context.Context, prompt string) string
}

// Decision is the pure outcome of routing a single event.
type Decision struct {
	Intent Intent
	// Reply is set for canned intents.
	Reply string
	// Prompt is set for IntentFallback; it is the cleaned text for the gateway.
	Prompt string
}

// Replies reports whether the decision sends anything.
func (d Decision) Replies() bool {
	return d.Reply != "" || d.Prompt != ""
}

// Router classifies events and produces at most one reply per event.
type Router struct {
	rules   []Rule
	gateway Gateway
	pick    Picker
	mention func(userID string) string
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithRules replaces the canned rule table.
func WithRules(rules []Rule) Option {
	return func(r *Router) { r.rules = rules }
}

// WithPicker sets the random source used by rules with several candidate replies.
func WithPicker(p Picker) Option {
	return func(r *Router) { r.pick = p }
}

// WithMention sets how user IDs are rendered in replies.
func WithMention(f func(userID string) string) Option {
	return func(r *Router) { r.mention = f }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router that delegates unmatched, addressed messages to gw.
func New(gw Gateway, opts ...Option) *Router {
	r := &Router{
		rules:   DefaultRules(),
		gateway: gw,
		pick:    rand.IntN,
		mention: SlackMention,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SlackMention renders a user ID as <@ID>.
func SlackMention(userID string) string {
	return "<@" + userID + ">"
}

// Route classifies evt without side effects.
func (r *Router) Route(evt channel.Event) Decision {
	switch evt.Kind {
	case channel.KindMemberJoined:
		if evt.JoinedUserID == "" {
			return Decision{}
		}
		return Decision{Intent: IntentWelcome, Reply: welcomeReply(r.mention(evt.JoinedUserID))}
	case channel.KindMessage:
	default:
		return Decision{}
	}

	if evt.FromBot {
		return Decision{Intent: IntentIgnoredBot}
	}

	for _, rule := range r.rules {
		if rule.Match(evt.Text) {
			return Decision{Intent: rule.Intent, Reply: rule.Reply(r.mention(evt.SenderID), r.pick)}
		}
	}

	if !addressedToBot(evt) {
		return Decision{}
	}
	prompt := CleanPrompt(evt.Text)
	if prompt == "" {
		return Decision{}
	}
	return Decision{Intent: IntentFallback, Prompt: prompt}
}

// Handle routes evt and sends the resulting reply, if any. The returned
// decision has Reply filled in for the fallback branch too.
func (r *Router) Handle(ctx context.Context, evt channel.Event, reply channel.ReplyFunc) (Decision, error) {
	d := r.Route(evt)
	if !d.Replies() {
		r.logger.Debug("event not handled",
			"source", evt.Source,
			"kind", evt.Kind,
			"intent", d.Intent,
		)
		return d, nil
	}

	if d.Intent == IntentFallback {
		r.logger.Info("delegating to llm",
			"source", evt.Source,
			"sender", evt.SenderID,
			"conversation_id", evt.ConversationID,
			"direct", evt.Conversation == channel.ConversationDirect,
			"prompt_len", len(d.Prompt),
		)
		d.Reply = r.gateway.Ask(ctx, d.Prompt)
		if d.Reply == "" {
			return d, nil
		}
	} else {
		r.logger.Info("matched intent",
			"source", evt.Source,
			"intent", d.Intent,
			"sender", evt.SenderID,
		)
	}

	if err := reply(ctx, d.Reply); err != nil {
		r.logger.Error("failed to send reply",
			"source", evt.Source,
			"conversation_id", evt.ConversationID,
			"intent", d.Intent,
			"error", err,
		)
		return d, err
	}
	return d, nil
}

// addressedToBot reports whether a message qualifies for LLM fallback.
func addressedToBot(evt channel.Event) bool {
	return evt.Conversation == channel.ConversationDirect || mentionRe.MatchString(evt.Text)
}

// CleanPrompt strips mention tokens and surrounding whitespace.
func CleanPrompt(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}
