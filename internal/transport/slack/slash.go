package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"remindbot/internal/present"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

const maxSlashBody = 64 << 10

// CommandsHandler serves Slack slash command requests. The request is
// acknowledged at once; the reply is posted to the response_url later.
func (s *Session) CommandsHandler() http.Handler {
	return http.HandlerFunc(s.serveSlash)
}

func (s *Session) serveSlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlashBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sv, err := slack.NewSecretsVerifier(r.Header, s.cfg.SigningSecret)
	if err != nil {
		s.log.Warn("slash command rejected", logx.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := sv.Ensure(); err != nil {
		s.log.Warn("slash command signature mismatch", logx.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	sc, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	h, ctx := s.handler, s.baseCtx
	s.mu.RUnlock()
	if h == nil {
		writeEphemeral(w, "Not ready yet, try again in a moment.")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.answer(ctx, h, sc)
	}()
	writeEphemeral(w, "Working on it…")
}

func (s *Session) answer(ctx context.Context, h transport.CommandHandler, sc slack.SlashCommand) {
	inv := invocation(sc)
	inv.Caller = s.caller(ctx, sc)
	log := s.log.With(logx.String("cmd", inv.Command), logx.String("team", sc.TeamID))

	resp := h.Handle(ctx, inv)
	for i, msg := range webhookMessages(resp) {
		if err := s.webhook(ctx, sc.ResponseURL, msg); err != nil {
			log.Warn("slash reply failed", logx.Int("part", i+1), logx.Err(err))
			return
		}
	}
}

func (s *Session) caller(ctx context.Context, sc slack.SlashCommand) transport.Caller {
	c := transport.Caller{ID: sc.UserID, Name: sc.UserName}
	u, err := s.api.GetUserInfoContext(ctx, sc.UserID)
	if err != nil {
		s.log.Warn("caller lookup failed", logx.String("user", sc.UserID), logx.Err(err))
		return c
	}
	c.Privileged = u.IsAdmin || u.IsOwner || u.IsPrimaryOwner
	return c
}

// invocation maps "/schedule April 2025" or "/schedule month=April year=2025".
func invocation(sc slack.SlashCommand) transport.Invocation {
	inv := transport.Invocation{
		Command: strings.TrimPrefix(strings.TrimSpace(sc.Command), "/"),
		Tenant:  sc.TeamID,
		Args:    map[string]string{},
	}
	var bare []string
	for _, tok := range strings.Fields(sc.Text) {
		if k, v, ok := strings.Cut(tok, "="); ok {
			inv.Args[strings.ToLower(k)] = v
			continue
		}
		bare = append(bare, tok)
	}
	// Bare tokens fill the slots not already named, in order.
	for _, key := range []string{"month", "year"} {
		if len(bare) == 0 {
			break
		}
		if _, named := inv.Args[key]; named {
			continue
		}
		inv.Args[key] = bare[0]
		bare = bare[1:]
	}
	return inv
}

func webhookMessages(resp transport.Response) []*slack.WebhookMessage {
	chunks := present.Chunk(resp.Cards, maxAttachmentsPerMessage)
	if len(chunks) == 0 {
		chunks = [][]present.Card{nil}
	}
	out := make([]*slack.WebhookMessage, 0, len(chunks))
	for i, ch := range chunks {
		m := &slack.WebhookMessage{ResponseType: slack.ResponseTypeEphemeral, Attachments: attachments(ch)}
		if i == 0 {
			m.Text = resp.Text
		}
		out = append(out, m)
	}
	return out
}

func writeEphemeral(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_type": slack.ResponseTypeEphemeral,
		"text":          text,
	})
}
