package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/present"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type fakeAPI struct {
	mu        sync.Mutex
	channels  []slack.Channel
	users     map[string]*slack.User
	posts     map[string]int
	listCalls int
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posts == nil {
		f.posts = map[string]int{}
	}
	f.posts[channelID]++
	return channelID, "1.0", nil
}

func (f *fakeAPI) OpenConversationContext(_ context.Context, p *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	if _, ok := f.users[p.Users[0]]; !ok {
		return nil, false, false, slack.SlackErrorResponse{Err: "user_not_found"}
	}
	ch := &slack.Channel{}
	ch.ID = "D-" + p.Users[0]
	return ch, false, false, nil
}

func (f *fakeAPI) GetUserInfoContext(_ context.Context, user string) (*slack.User, error) {
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, slack.SlackErrorResponse{Err: "user_not_found"}
}

func (f *fakeAPI) GetConversationsContext(_ context.Context, p *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	// Two pages.
	if p.Cursor == "" {
		return f.channels[:1], "next", nil
	}
	return f.channels[1:], "", nil
}

func channel(id, name string) slack.Channel {
	var c slack.Channel
	c.ID, c.Name = id, name
	return c
}

func cards(n int) []present.Card {
	out := make([]present.Card, n)
	for i := range out {
		out[i] = present.Card{Title: "Acme", Color: present.ColorComplete}
	}
	return out
}

func newFake() *fakeAPI {
	return &fakeAPI{
		channels: []slack.Channel{channel("C1", "general"), channel("C2", "sponsors")},
		users: map[string]*slack.User{
			"U1": {ID: "U1", Name: "ana", IsAdmin: true},
			"U2": {ID: "U2", Name: "bo"},
		},
	}
}

func TestSendToChannelPagesAndCaches(t *testing.T) {
	t.Parallel()
	api := newFake()
	s := newSession(Config{}, api, nil, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.SendToChannel(ctx, "T1", "#Sponsors", "hi", cards(1)))
	require.NoError(t, s.SendToChannel(ctx, "T1", "<#C1|general>", "hi", cards(41)))
	assert.Equal(t, 1, api.posts["C2"])
	assert.Equal(t, 3, api.posts["C1"])
	assert.Equal(t, 2, api.listCalls)

	err := s.SendToChannel(ctx, "T1", "missing", "hi", nil)
	assert.True(t, errors.Is(err, transport.ErrDestinationLookup))
}

func TestDirectMessageAndLookup(t *testing.T) {
	t.Parallel()
	api := newFake()
	s := newSession(Config{}, api, nil, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.SendDirectMessage(ctx, "T1", "U2", "hi", cards(2)))
	assert.Equal(t, 1, api.posts["D-U2"])

	err := s.SendDirectMessage(ctx, "T1", "U9", "hi", nil)
	assert.True(t, errors.Is(err, transport.ErrMemberNotFound))

	m, err := s.LookupMember(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.Equal(t, "ana", m.Name)
	_, err = s.LookupMember(ctx, "T1", "U9")
	assert.True(t, errors.Is(err, transport.ErrMemberNotFound))
}

func TestAttachmentsUseHexColors(t *testing.T) {
	t.Parallel()
	got := attachments([]present.Card{{Title: "Acme", Color: present.ColorPending, Fields: []present.Field{{Name: "Status", Value: "pending"}}}})
	require.Len(t, got, 1)
	assert.Equal(t, "#e82020", got[0].Color)
	assert.Equal(t, "Status", got[0].Fields[0].Title)
}

func TestInvocationArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text  string
		month string
		year  string
	}{
		{"", "", ""},
		{"April", "April", ""},
		{"April 2025", "April", "2025"},
		{"year=2025", "", "2025"},
		{"month=May 2024", "May", "2024"},
		{"2024 month=May", "May", "2024"},
		{"year=2024 May", "May", "2024"},
		{"MONTH=June", "June", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			inv := invocation(slack.SlashCommand{Command: "/schedule", TeamID: "T1", Text: tt.text})
			assert.Equal(t, "schedule", inv.Command)
			assert.Equal(t, "T1", inv.Tenant)
			assert.Equal(t, tt.month, inv.Arg("month"))
			assert.Equal(t, tt.year, inv.Arg("year"))
		})
	}
}

type stubHandler struct {
	mu   sync.Mutex
	invs []transport.Invocation
}

func (h *stubHandler) Handle(_ context.Context, inv transport.Invocation) transport.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invs = append(h.invs, inv)
	return transport.Response{Text: "done", Cards: cards(25)}
}

func signedRequest(t *testing.T, secret string, form url.Values, ts time.Time) *http.Request {
	t.Helper()
	body := form.Encode()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + stamp + ":" + body))
	req := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlashCommandFlow(t *testing.T) {
	t.Parallel()
	api := newFake()
	var (
		mu    sync.Mutex
		hooks []*slack.WebhookMessage
		urls  []string
	)
	hook := func(_ context.Context, u string, msg *slack.WebhookMessage) error {
		mu.Lock()
		defer mu.Unlock()
		urls = append(urls, u)
		hooks = append(hooks, msg)
		return nil
	}
	s := newSession(Config{SigningSecret: "shh"}, api, hook, logx.Nop())
	h := &stubHandler{}
	s.SetHandler(h)

	form := url.Values{
		"command":      {"/resend"},
		"team_id":      {"T1"},
		"user_id":      {"U1"},
		"user_name":    {"ana"},
		"text":         {""},
		"response_url": {"https://hooks.example/1"},
	}
	rec := httptest.NewRecorder()
	s.CommandsHandler().ServeHTTP(rec, signedRequest(t, "shh", form, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ephemeral")

	require.NoError(t, s.Stop(context.Background()))
	require.Len(t, h.invs, 1)
	assert.Equal(t, "resend", h.invs[0].Command)
	assert.True(t, h.invs[0].Caller.Privileged)

	require.Len(t, hooks, 2)
	assert.Equal(t, "done", hooks[0].Text)
	assert.Len(t, hooks[0].Attachments, 20)
	assert.Len(t, hooks[1].Attachments, 5)
	assert.Equal(t, "https://hooks.example/1", urls[0])
}

func TestSlashCommandRejectsBadSignature(t *testing.T) {
	t.Parallel()
	s := newSession(Config{SigningSecret: "shh"}, newFake(), nil, logx.Nop())
	h := &stubHandler{}
	s.SetHandler(h)

	rec := httptest.NewRecorder()
	s.CommandsHandler().ServeHTTP(rec, signedRequest(t, "wrong", url.Values{"command": {"/refresh"}}, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.CommandsHandler().ServeHTTP(rec, signedRequest(t, "shh", url.Values{"command": {"/refresh"}}, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, h.invs)
}
