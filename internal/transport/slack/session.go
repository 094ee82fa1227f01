// Package slack implements the chat platform for a single Slack workspace.
// The tenant ID is the workspace (team) ID.
package slack

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"remindbot/internal/present"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

const (
	maxAttachmentsPerMessage = 20
	channelTTL               = time.Minute
)

type Config struct {
	BotToken      string
	SigningSecret string
}

// api is the subset of *slack.Client used here.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

type webhookFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

type Session struct {
	cfg     Config
	log     logx.Logger
	api     api
	webhook webhookFunc
	now     func() time.Time

	mu      sync.RWMutex
	handler transport.CommandHandler
	baseCtx context.Context
	chans   map[string]channelList
	wg      sync.WaitGroup
}

type channelList struct {
	items []slack.Channel
	at    time.Time
}

var _ transport.Session = (*Session)(nil)

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("slack bot token is empty")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errors.New("slack signing secret is empty")
	}
	return newSession(cfg, slack.New(strings.TrimSpace(cfg.BotToken)), slack.PostWebhookContext, log), nil
}

func newSession(cfg Config, a api, hook webhookFunc, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Session{
		cfg:     cfg,
		log:     log,
		api:     a,
		webhook: hook,
		now:     time.Now,
		baseCtx: context.Background(),
		chans:   map[string]channelList{},
	}
}

func (s *Session) Name() string { return "slack" }

// SetHandler installs the command handler used by the slash command endpoint.
func (s *Session) SetHandler(h transport.CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.log.Info("slack session ready")
	return nil
}

// Stop waits for in-flight slash command replies.
func (s *Session) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) SendToChannel(ctx context.Context, tenantID, channel, text string, cards []present.Card) error {
	id, err := s.resolveChannel(ctx, tenantID, channel)
	if err != nil {
		return err
	}
	return s.post(ctx, id, text, cards)
}

func (s *Session) SendDirectMessage(ctx context.Context, _ string, userID, text string, cards []present.Card) error {
	ch, _, _, err := s.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}, ReturnIM: true})
	if err != nil {
		if userMissing(err) {
			return errors.Mark(errors.Wrapf(err, "open dm with %s", userID), transport.ErrMemberNotFound)
		}
		return transport.LookupError(err, "open dm with %s", userID)
	}
	return s.post(ctx, ch.ID, text, cards)
}

func (s *Session) LookupMember(ctx context.Context, _ string, userID string) (transport.Member, error) {
	u, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		if userMissing(err) {
			return transport.Member{}, errors.Wrapf(transport.ErrMemberNotFound, "user %s", userID)
		}
		return transport.Member{}, transport.LookupError(err, "user %s", userID)
	}
	if u == nil || u.Deleted {
		return transport.Member{}, errors.Wrapf(transport.ErrMemberNotFound, "user %s", userID)
	}
	return transport.Member{ID: u.ID, Name: userName(u)}, nil
}

func (s *Session) post(ctx context.Context, channelID, text string, cards []present.Card) error {
	chunks := present.Chunk(cards, maxAttachmentsPerMessage)
	if len(chunks) == 0 {
		chunks = [][]present.Card{nil}
	}
	for i, ch := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionAttachments(attachments(ch)...)}
		if i == 0 {
			opts = append(opts, slack.MsgOptionText(text, false))
		}
		if _, _, err := s.api.PostMessageContext(ctx, channelID, opts...); err != nil {
			return transport.SendError(err, "channel %s part %d", channelID, i+1)
		}
	}
	return nil
}

func (s *Session) resolveChannel(ctx context.Context, teamID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	// <#C123|name> mention form.
	if strings.HasPrefix(ref, "<#") && strings.HasSuffix(ref, ">") {
		ref = strings.SplitN(ref[2:len(ref)-1], "|", 2)[0]
	}
	chans, err := s.channels(ctx, teamID)
	if err != nil {
		return "", transport.LookupError(err, "list channels of team %s", teamID)
	}
	for _, c := range chans {
		if c.ID == ref {
			return c.ID, nil
		}
	}
	name := strings.TrimPrefix(ref, "#")
	for _, c := range chans {
		if strings.EqualFold(c.Name, name) {
			return c.ID, nil
		}
	}
	s.mu.Lock()
	delete(s.chans, teamID)
	s.mu.Unlock()
	return "", errors.Mark(errors.Newf("channel %q not found in team %s", ref, teamID), transport.ErrDestinationLookup)
}

func (s *Session) channels(ctx context.Context, teamID string) ([]slack.Channel, error) {
	s.mu.RLock()
	cl, ok := s.chans[teamID]
	s.mu.RUnlock()
	if ok && s.now().Sub(cl.at) <= channelTTL {
		return cl.items, nil
	}

	var all []slack.Channel
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
		TeamID:          teamID,
	}
	for {
		page, next, err := s.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		params.Cursor = next
	}

	s.mu.Lock()
	s.chans[teamID] = channelList{items: all, at: s.now()}
	s.mu.Unlock()
	return all, nil
}

func attachments(cards []present.Card) []slack.Attachment {
	out := make([]slack.Attachment, 0, len(cards))
	for _, c := range cards {
		a := slack.Attachment{
			Color:    c.HexColor(),
			Title:    c.Title,
			Fallback: c.Title,
		}
		for _, f := range c.Fields {
			a.Fields = append(a.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value})
		}
		out = append(out, a)
	}
	return out
}

func userMissing(err error) bool {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		switch resp.Err {
		case "user_not_found", "users_not_found", "user_disabled", "cannot_dm_bot":
			return true
		}
	}
	return false
}

func userName(u *slack.User) string {
	switch {
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	case u.RealName != "":
		return u.RealName
	default:
		return u.Name
	}
}
