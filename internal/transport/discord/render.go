package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"remindbot/internal/present"
)

// Discord rejects messages over these limits.
const (
	maxEmbedsPerMessage = 10
	maxTitleLen         = 256
	maxFieldNameLen     = 256
	maxFieldValueLen    = 1024
	maxContentLen       = 2000
)

func embed(c present.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: clip(c.Title, maxTitleLen),
		Color: c.Color,
	}
	if e.Title == "" {
		e.Title = "Untitled"
	}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:  clip(f.Name, maxFieldNameLen),
			Value: clip(orDash(f.Value), maxFieldValueLen),
		})
	}
	return e
}

// messages renders text plus cards into one or more sends. The text rides on
// the first message only.
func messages(text string, cards []present.Card) []*discordgo.MessageSend {
	text = clip(text, maxContentLen)
	chunks := present.Chunk(cards, maxEmbedsPerMessage)
	if len(chunks) == 0 {
		return []*discordgo.MessageSend{{Content: text}}
	}
	out := make([]*discordgo.MessageSend, 0, len(chunks))
	for i, ch := range chunks {
		m := &discordgo.MessageSend{}
		if i == 0 {
			m.Content = text
		}
		for _, c := range ch {
			m.Embeds = append(m.Embeds, embed(c))
		}
		out = append(out, m)
	}
	return out
}

// matchChannel resolves a channel reference against a guild's channels. The
// reference may be an ID, a <#id> mention, or a name with an optional '#'.
func matchChannel(ref string, channels []*discordgo.Channel) *discordgo.Channel {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "<#") && strings.HasSuffix(ref, ">") {
		ref = ref[2 : len(ref)-1]
	}
	for _, ch := range channels {
		if ch != nil && ch.ID == ref {
			return ch
		}
	}
	name := strings.TrimPrefix(ref, "#")
	for _, ch := range channels {
		if ch == nil || !postable(ch.Type) {
			continue
		}
		if strings.EqualFold(ch.Name, name) {
			return ch
		}
	}
	return nil
}

func postable(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return true
	default:
		return false
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
