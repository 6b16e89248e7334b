package router

import (
	"fmt"
	"regexp"
)

// Intent names a routing outcome.
type Intent string

const (
	IntentNone       Intent = ""
	IntentGreeting   Intent = "greeting"
	IntentStatus     Intent = "status"
	IntentPing       Intent = "ping"
	IntentThanks     Intent = "thanks"
	IntentTip        Intent = "tip"
	IntentFarewell   Intent = "farewell"
	IntentWelcome    Intent = "welcome"
	IntentFallback   Intent = "llm_fallback"
	IntentIgnoredBot Intent = "ignored_bot"
)

// Matcher reports whether a message text triggers a rule.
type Matcher func(text string) bool

// Exact matches text equal to s, case-sensitive, nothing around it.
func Exact(s string) Matcher {
	return func(text string) bool { return text == s }
}

// Pattern matches text against a compiled expression. Case handling and
// anchoring belong to the expression.
func Pattern(re *regexp.Regexp) Matcher {
	return re.MatchString
}

// Picker returns a value in [0, n).
type Picker func(n int) int

// ReplyFunc builds the reply for a matched message. sender is already
// rendered in the platform's mention syntax.
type ReplyFunc func(sender string, pick Picker) string

// Rule pairs a matcher with the reply it produces.
type Rule struct {
	Intent Intent
	Match  Matcher
	Reply  ReplyFunc
}

// Tips is the candidate set for the tip rule.
var Tips = []string{
	"Remember to stretch before coding.",
	"Take a short break every hour.",
	"Stay hydrated!",
}

// wordEnd closes a leading keyword. RE2's \b only knows ASCII word
// characters, so "hiç" or "goodbyeß" would count as a boundary.
const wordEnd = `(?:[^\p{L}\p{M}\p{N}_]|$)`

var (
	greetingRe = regexp.MustCompile(`(?i)^(hello|hi)` + wordEnd)
	statusRe   = regexp.MustCompile(`(?i)how are you\??`)
	thanksRe   = regexp.MustCompile(`(?i)thanks|thank you`)
	farewellRe = regexp.MustCompile(`(?i)^(bye|goodbye)` + wordEnd)

	// mentionRe matches platform mention tokens like <@U123>.
	mentionRe = regexp.MustCompile(`<@\w+>`)
)

// DefaultRules returns the canned intents in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Intent: IntentGreeting,
			Match:  Pattern(greetingRe),
			Reply: func(sender string, _ Picker) string {
				return fmt.Sprintf("Hello, %s! 👋", sender)
			},
		},
		{
			Intent: IntentStatus,
			Match:  Pattern(statusRe),
			Reply: func(sender string, _ Picker) string {
				return fmt.Sprintf("I'm doing great, %s! Thanks for asking.", sender)
			},
		},
		{
			Intent: IntentPing,
			Match:  Exact("ping"),
			Reply:  func(string, Picker) string { return "pong" },
		},
		{
			Intent: IntentThanks,
			Match:  Pattern(thanksRe),
			Reply: func(sender string, _ Picker) string {
				return fmt.Sprintf("You're welcome, %s!", sender)
			},
		},
		{
			Intent: IntentTip,
			Match:  Exact("give me a tip"),
			Reply: func(_ string, pick Picker) string {
				return Tips[pick(len(Tips))]
			},
		},
		{
			Intent: IntentFarewell,
			Match:  Pattern(farewellRe),
			Reply: func(sender string, _ Picker) string {
				return fmt.Sprintf("Goodbye, %s! Hope to talk to you again soon.", sender)
			},
		},
	}
}

func welcomeReply(user string) string {
	return fmt.Sprintf("Welcome, %s! I'm glad you're here.", user)
}
