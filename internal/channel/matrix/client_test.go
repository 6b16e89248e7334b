package matrix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/spp/pkg/channel"
)

const (
	botID   id.UserID = "@spp:example.org"
	startMS int64     = 1_700_000_000_000
)

func textEvent(sender id.UserID, ts int64, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		Sender:    sender,
		RoomID:    "!room:example.org",
		Timestamp: ts,
		Content:   event.Content{Parsed: content},
	}
}

func memberEvent(target id.UserID, ts int64, membership event.Membership, prev *event.Content) *event.Event {
	key := string(target)
	evt := &event.Event{
		Type:      event.StateMember,
		Sender:    target,
		StateKey:  &key,
		RoomID:    "!room:example.org",
		Timestamp: ts,
		Content:   event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
	evt.Unsigned.PrevContent = prev
	return evt
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{Homeserver: "http://synapse:8008", UserID: "spp"}.Enabled())
	assert.True(t, Config{Homeserver: "http://synapse:8008", UserID: "spp", Password: "pw"}.Enabled())
}

func TestNormalizeMentions(t *testing.T) {
	body := "@spp:matrix.example.com explain recursion"
	got := normalizeMentions(body, []id.UserID{"@spp:matrix.example.com"})
	assert.Equal(t, "<@spp> explain recursion", got)

	got = normalizeMentions("hey @bot.name:example.org", []id.UserID{"@bot.name:example.org"})
	assert.Equal(t, "hey <@bot_name>", got)

	// Only explicit m.mentions are rewritten.
	assert.Equal(t, "@someone:example.org hi", normalizeMentions("@someone:example.org hi", nil))

	// Malformed IDs are skipped.
	assert.Equal(t, "hi", normalizeMentions("hi", []id.UserID{"not-a-user-id"}))
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	long := strings.Repeat("a", 25)
	chunks := splitMessage(long, 10)
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, chunks)
}

func TestWasJoined(t *testing.T) {
	evt := &event.Event{}
	assert.False(t, wasJoined(evt))

	evt.Unsigned.PrevContent = &event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}}
	assert.True(t, wasJoined(evt), "displayname change keeps membership=join")

	evt.Unsigned.PrevContent = &event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}}
	assert.False(t, wasJoined(evt))

	evt.Unsigned.PrevContent = &event.Content{VeryRaw: []byte(`{"membership":"leave"}`)}
	assert.False(t, wasJoined(evt))
}

func TestIsAllowed(t *testing.T) {
	open := New(Config{})
	assert.True(t, open.isAllowed("@anyone:example.org"))

	restricted := New(Config{AllowedUsers: []string{"@admin:example.org"}})
	assert.True(t, restricted.isAllowed("@admin:example.org"))
	assert.False(t, restricted.isAllowed("@stranger:example.org"))
}

func TestMention(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, "matrix", c.Name())
	assert.Equal(t, "@alice:example.org", c.Mention("@alice:example.org"))
}

func TestTranslateMessage(t *testing.T) {
	tests := []struct {
		name   string
		evt    *event.Event
		wantOK bool
		want   channel.Event
	}{
		{
			name:   "plain text",
			evt:    textEvent("@alice:example.org", startMS+1, &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}),
			wantOK: true,
			want: channel.Event{
				Source: "matrix", Kind: channel.KindMessage, Text: "hello",
				SenderID: "@alice:example.org", ConversationID: "!room:example.org",
				Conversation: channel.ConversationChannel,
			},
		},
		{
			name: "mentions become tokens",
			evt: textEvent("@alice:example.org", startMS+1, &event.MessageEventContent{
				MsgType:  event.MsgText,
				Body:     "@spp:example.org explain recursion",
				Mentions: &event.Mentions{UserIDs: []id.UserID{botID}},
			}),
			wantOK: true,
			want: channel.Event{
				Source: "matrix", Kind: channel.KindMessage, Text: "<@spp> explain recursion",
				SenderID: "@alice:example.org", ConversationID: "!room:example.org",
				Conversation: channel.ConversationChannel,
			},
		},
		{
			name:   "own message is bot origin",
			evt:    textEvent(botID, startMS+1, &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}),
			wantOK: true,
			want: channel.Event{
				Source: "matrix", Kind: channel.KindMessage, Text: "hello",
				SenderID: string(botID), ConversationID: "!room:example.org",
				Conversation: channel.ConversationChannel, FromBot: true,
			},
		},
		{
			name:   "notice is bot origin",
			evt:    textEvent("@otherbot:example.org", startMS+1, &event.MessageEventContent{MsgType: event.MsgNotice, Body: "hi"}),
			wantOK: true,
			want: channel.Event{
				Source: "matrix", Kind: channel.KindMessage, Text: "hi",
				SenderID: "@otherbot:example.org", ConversationID: "!room:example.org",
				Conversation: channel.ConversationChannel, FromBot: true,
			},
		},
		{
			name: "before start",
			evt:  textEvent("@alice:example.org", startMS-1, &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"}),
		},
		{
			name: "image",
			evt:  textEvent("@alice:example.org", startMS+1, &event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"}),
		},
		{
			name: "unparsed content",
			evt:  &event.Event{Type: event.EventMessage, Sender: "@alice:example.org", Timestamp: startMS + 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translateMessage(tt.evt, botID, startMS)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTranslateMemberJoined(t *testing.T) {
	joinedBefore := &event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}}
	invitedBefore := &event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}}

	tests := []struct {
		name   string
		evt    *event.Event
		wantOK bool
	}{
		{"fresh join", memberEvent("@carol:example.org", startMS+1, event.MembershipJoin, nil), true},
		{"join after invite", memberEvent("@carol:example.org", startMS+1, event.MembershipJoin, invitedBefore), true},
		{"profile change", memberEvent("@carol:example.org", startMS+1, event.MembershipJoin, joinedBefore), false},
		{"bot joins", memberEvent(botID, startMS+1, event.MembershipJoin, nil), false},
		{"before start", memberEvent("@carol:example.org", startMS-1, event.MembershipJoin, nil), false},
		{"leave", memberEvent("@carol:example.org", startMS+1, event.MembershipLeave, joinedBefore), false},
		{"invite", memberEvent("@carol:example.org", startMS+1, event.MembershipInvite, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translateMemberJoined(tt.evt, botID, startMS)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, channel.Event{
					Source:         "matrix",
					Kind:           channel.KindMemberJoined,
					ConversationID: "!room:example.org",
					JoinedUserID:   "@carol:example.org",
				}, got)
			}
		})
	}
}

func TestSend_NotStarted(t *testing.T) {
	err := New(Config{}).Send(context.Background(), channel.Response{ConversationID: "!room:example.org", Content: "hi"})
	assert.ErrorIs(t, err, errNotStarted)
}

func TestSend_StopsBetweenChunksOnCancel(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_id":"$sent"}`))
	}))
	defer ts.Close()

	client, err := mautrix.NewClient(ts.URL, botID, "token")
	require.NoError(t, err)
	c := New(Config{})
	c.client = client

	prevDelay := chunkDelay
	chunkDelay = time.Hour
	defer func() { chunkDelay = prevDelay }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Send(ctx, channel.Response{ConversationID: "!room:example.org", Content: strings.Repeat("a", 9000)})
	}()

	require.Eventually(t, func() bool { return requests.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send kept waiting after cancellation")
	}
	assert.Equal(t, int32(1), requests.Load())
}
