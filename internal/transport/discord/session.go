// Package discord implements the chat platform on top of a Discord bot session.
package discord

import (
	"context"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cockroachdb/errors"

	"remindbot/internal/present"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

const lookupTTL = time.Minute

type Config struct {
	Token          string
	AppID          string
	GuildIDs       []string
	AdminRole      string
	Presence       string
	GlobalCommands bool
}

// api is the subset of *discordgo.Session used for REST calls.
type api interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Session struct {
	cfg Config
	log logx.Logger
	dg  *discordgo.Session
	api api

	channels *guildCache[[]*discordgo.Channel]
	roles    *guildCache[map[string]string]

	mu       sync.RWMutex
	handler  transport.CommandHandler
	specs    []transport.CommandSpec
	baseCtx  context.Context
	cmdHash  map[string]uint64
	detachFn []func()
}

var _ transport.Session = (*Session)(nil)

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	dg, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, errors.Wrap(err, "discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds
	s := newSession(cfg, dg, log)
	s.dg = dg
	return s, nil
}

func newSession(cfg Config, a api, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.AdminRole) == "" {
		cfg.AdminRole = "Admin"
	}
	return &Session{
		cfg:      cfg,
		log:      log,
		api:      a,
		channels: newGuildCache[[]*discordgo.Channel](lookupTTL),
		roles:    newGuildCache[map[string]string](lookupTTL),
		baseCtx:  context.Background(),
		cmdHash:  map[string]uint64{},
	}
}

func (s *Session) Name() string { return "discord" }

// SetHandler installs the command handler and the commands to register.
func (s *Session) SetHandler(h transport.CommandHandler, specs []transport.CommandSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.specs = append([]transport.CommandSpec(nil), specs...)
}

func (s *Session) Start(ctx context.Context) error {
	if s.dg == nil {
		return errors.New("discord session not initialized")
	}
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.detachFn = append(s.detachFn,
		s.dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { s.onReady(r) }),
		s.dg.AddHandler(func(_ *discordgo.Session, ic *discordgo.InteractionCreate) { s.onInteraction(ic.Interaction) }),
	)
	s.mu.Unlock()

	if err := s.dg.Open(); err != nil {
		return errors.Wrap(err, "discord open")
	}
	s.log.Info("discord session opened", logx.Int("guilds", len(s.cfg.GuildIDs)))
	return nil
}

func (s *Session) Stop(context.Context) error {
	s.mu.Lock()
	for _, fn := range s.detachFn {
		fn()
	}
	s.detachFn = nil
	s.mu.Unlock()
	if s.dg == nil {
		return nil
	}
	return errors.Wrap(s.dg.Close(), "discord close")
}

func (s *Session) onReady(r *discordgo.Ready) {
	if r != nil && r.User != nil {
		s.log.Info("discord ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		s.mu.Lock()
		if s.cfg.AppID == "" {
			s.cfg.AppID = r.User.ID
		}
		s.mu.Unlock()
	}
	if p := strings.TrimSpace(s.cfg.Presence); p != "" && s.dg != nil {
		if err := s.dg.UpdateWatchStatus(0, p); err != nil {
			s.log.Warn("set presence failed", logx.Err(err))
		}
	}
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()
	if err := s.RegisterCommands(ctx); err != nil {
		s.log.Warn("register commands failed", logx.Err(err))
	}
}

// RegisterCommands overwrites the application commands per configured guild,
// or globally when no guild is configured. Unchanged sets are skipped.
func (s *Session) RegisterCommands(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.specs) == 0 {
		return nil
	}
	if strings.TrimSpace(s.cfg.AppID) == "" {
		return errors.New("discord application id is unknown")
	}
	cmds := applicationCommands(s.specs)
	sum := specHash(s.specs)

	targets := s.cfg.GuildIDs
	if s.cfg.GlobalCommands || len(targets) == 0 {
		targets = []string{""}
	}
	var errs error
	for _, guildID := range targets {
		if s.cmdHash[guildID] == sum {
			continue
		}
		if _, err := s.api.ApplicationCommandBulkOverwrite(s.cfg.AppID, guildID, cmds, discordgo.WithContext(ctx)); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "guild %q", guildID))
			continue
		}
		s.cmdHash[guildID] = sum
		s.log.Info("commands registered", logx.String("guild", guildID), logx.Int("count", len(cmds)))
	}
	return errs
}

func applicationCommands(specs []transport.CommandSpec) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(specs))
	for _, sp := range specs {
		c := &discordgo.ApplicationCommand{Name: sp.Name, Description: sp.Description}
		for _, o := range sp.Options {
			c.Options = append(c.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        o.Name,
				Description: o.Description,
			})
		}
		out = append(out, c)
	}
	return out
}

func specHash(specs []transport.CommandSpec) uint64 {
	h := fnv.New64a()
	for _, sp := range specs {
		h.Write([]byte(sp.Name))
		h.Write([]byte{0})
		h.Write([]byte(sp.Description))
		h.Write([]byte{0})
		for _, o := range sp.Options {
			h.Write([]byte(o.Name))
			h.Write([]byte{1})
			h.Write([]byte(o.Description))
			h.Write([]byte{1})
		}
	}
	return h.Sum64()
}

func (s *Session) SendToChannel(ctx context.Context, tenantID, channel, text string, cards []present.Card) error {
	ch, err := s.resolveChannel(ctx, tenantID, channel)
	if err != nil {
		return err
	}
	return s.post(ctx, ch.ID, text, cards)
}

func (s *Session) SendDirectMessage(ctx context.Context, _ string, userID, text string, cards []present.Card) error {
	dm, err := s.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		if notFound(err) {
			return errors.Mark(errors.Wrapf(err, "open dm with %s", userID), transport.ErrMemberNotFound)
		}
		return transport.LookupError(err, "open dm with %s", userID)
	}
	return s.post(ctx, dm.ID, text, cards)
}

func (s *Session) LookupMember(ctx context.Context, tenantID, userID string) (transport.Member, error) {
	if strings.TrimSpace(userID) == "" {
		return transport.Member{}, errors.Wrap(transport.ErrMemberNotFound, "empty user id")
	}
	m, err := s.api.GuildMember(tenantID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if notFound(err) {
			return transport.Member{}, errors.Wrapf(transport.ErrMemberNotFound, "guild %s user %s", tenantID, userID)
		}
		return transport.Member{}, transport.LookupError(err, "guild %s user %s", tenantID, userID)
	}
	if m == nil || m.User == nil {
		return transport.Member{}, errors.Wrapf(transport.ErrMemberNotFound, "guild %s user %s", tenantID, userID)
	}
	return transport.Member{ID: m.User.ID, Name: displayName(m), Roles: m.Roles}, nil
}

func (s *Session) post(ctx context.Context, channelID, text string, cards []present.Card) error {
	for i, msg := range messages(text, cards) {
		if err := ctx.Err(); err != nil {
			return transport.SendError(err, "channel %s part %d", channelID, i+1)
		}
		if _, err := s.api.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
			return transport.SendError(err, "channel %s part %d", channelID, i+1)
		}
	}
	return nil
}

func (s *Session) resolveChannel(ctx context.Context, guildID, ref string) (*discordgo.Channel, error) {
	chans, ok := s.channels.get(guildID)
	if !ok {
		var err error
		chans, err = s.api.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, transport.LookupError(err, "list channels of guild %s", guildID)
		}
		s.channels.put(guildID, chans)
	}
	if ch := matchChannel(ref, chans); ch != nil {
		return ch, nil
	}
	// The channel may have been created since the list was cached.
	s.channels.drop(guildID)
	return nil, errors.Mark(errors.Newf("channel %q not found in guild %s", ref, guildID), transport.ErrDestinationLookup)
}

func (s *Session) roleNames(ctx context.Context, guildID string) (map[string]string, error) {
	if m, ok := s.roles.get(guildID); ok {
		return m, nil
	}
	roles, err := s.api.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(roles))
	for _, r := range roles {
		if r != nil {
			m[r.ID] = r.Name
		}
	}
	s.roles.put(guildID, m)
	return m, nil
}

// privileged reports whether the member holds the admin role or the
// Administrator permission.
func (s *Session) privileged(ctx context.Context, guildID string, m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	names, err := s.roleNames(ctx, guildID)
	if err != nil {
		s.log.Warn("role lookup failed", logx.String("guild", guildID), logx.Err(err))
		return false
	}
	for _, id := range m.Roles {
		if strings.EqualFold(strings.TrimSpace(names[id]), strings.TrimSpace(s.cfg.AdminRole)) {
			return true
		}
	}
	return false
}

func notFound(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

func displayName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}
