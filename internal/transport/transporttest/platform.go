// Package transporttest provides an in-memory transport.Platform for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"remindbot/internal/present"
	"remindbot/internal/transport"
)

// Sent is one recorded send.
type Sent struct {
	Kind   string // "channel" or "direct"
	Tenant string
	Target string
	Text   string
	Cards  []present.Card
}

// Platform records sends. Members must be registered to be found; channels
// listed in FailChannels reject sends and those in MissingChannels fail lookup.
type Platform struct {
	mu sync.Mutex

	members         map[string]bool
	FailChannels    map[string]bool
	MissingChannels map[string]bool
	sent            []Sent
	lookups         int
	// Hook runs before each send, e.g. to block or observe concurrency.
	Hook func(ctx context.Context) error
}

var _ transport.Platform = (*Platform)(nil)

func New() *Platform {
	return &Platform{
		members:         map[string]bool{},
		FailChannels:    map[string]bool{},
		MissingChannels: map[string]bool{},
	}
}

// AddMember registers a user in a tenant.
func (p *Platform) AddMember(tenant, user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[tenant+"/"+user] = true
}

func (p *Platform) SendToChannel(ctx context.Context, tenantID, channel, text string, cards []present.Card) error {
	if err := p.hook(ctx); err != nil {
		return transport.SendError(err, "hook")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MissingChannels[channel] {
		return errors.Mark(errors.Newf("channel %q not found", channel), transport.ErrDestinationLookup)
	}
	if p.FailChannels[channel] {
		return transport.SendError(errors.New("missing permissions"), "channel %s", channel)
	}
	p.sent = append(p.sent, Sent{Kind: "channel", Tenant: tenantID, Target: channel, Text: text, Cards: cards})
	return nil
}

func (p *Platform) SendDirectMessage(ctx context.Context, tenantID, userID, text string, cards []present.Card) error {
	if err := p.hook(ctx); err != nil {
		return transport.SendError(err, "hook")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, Sent{Kind: "direct", Tenant: tenantID, Target: userID, Text: text, Cards: cards})
	return nil
}

func (p *Platform) LookupMember(_ context.Context, tenantID, userID string) (transport.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if !p.members[tenantID+"/"+userID] {
		return transport.Member{}, errors.Wrapf(transport.ErrMemberNotFound, "%s/%s", tenantID, userID)
	}
	return transport.Member{ID: userID, Name: userID}, nil
}

// Sent returns a copy of all recorded sends in order.
func (p *Platform) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

// Lookups reports how many member lookups ran.
func (p *Platform) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

func (p *Platform) hook(ctx context.Context) error {
	if p.Hook == nil {
		return nil
	}
	return p.Hook(ctx)
}
