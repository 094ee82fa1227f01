package discord

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

// ackTimeout bounds the initial acknowledgement. Discord drops interactions
// that are not acknowledged within three seconds.
const ackTimeout = 2500 * time.Millisecond

func (s *Session) onInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	s.mu.RLock()
	h, ctx := s.handler, s.baseCtx
	s.mu.RUnlock()
	if h == nil {
		return
	}
	s.handleInteraction(ctx, h, i)
}

func (s *Session) handleInteraction(ctx context.Context, h transport.CommandHandler, i *discordgo.Interaction) {
	data := i.ApplicationCommandData()
	log := s.log.With(logx.String("cmd", data.Name), logx.String("guild", i.GuildID))

	actx, cancel := context.WithTimeout(ctx, ackTimeout)
	err := s.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(actx))
	cancel()
	if err != nil {
		log.Warn("interaction ack failed", logx.Err(err))
		return
	}

	inv := transport.Invocation{
		Command: data.Name,
		Tenant:  i.GuildID,
		Caller:  s.caller(ctx, i),
		Args:    map[string]string{},
	}
	for _, o := range data.Options {
		if o != nil && o.Type == discordgo.ApplicationCommandOptionString {
			inv.Args[o.Name] = strings.TrimSpace(o.StringValue())
		}
	}

	resp := h.Handle(ctx, inv)
	for n, msg := range messages(resp.Text, resp.Cards) {
		params := &discordgo.WebhookParams{
			Content: msg.Content,
			Embeds:  msg.Embeds,
			Flags:   discordgo.MessageFlagsEphemeral,
		}
		if _, err := s.api.FollowupMessageCreate(i, true, params, discordgo.WithContext(ctx)); err != nil {
			log.Warn("interaction followup failed", logx.Int("part", n+1), logx.Err(err))
			return
		}
	}
}

func (s *Session) caller(ctx context.Context, i *discordgo.Interaction) transport.Caller {
	if i.Member == nil || i.Member.User == nil {
		// Direct-message invocations carry no member and no roles.
		c := transport.Caller{}
		if i.User != nil {
			c.ID, c.Name = i.User.ID, i.User.Username
		}
		return c
	}
	return transport.Caller{
		ID:         i.Member.User.ID,
		Name:       displayName(i.Member),
		Privileged: s.privileged(ctx, i.GuildID, i.Member),
	}
}
