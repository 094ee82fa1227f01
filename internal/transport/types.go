// Package transport defines the chat-platform contract used by dispatch and
// the command surface. Concrete platforms live in subpackages.
package transport

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"remindbot/internal/present"
)

var (
	// ErrDestinationLookup marks a channel or member that could not be resolved.
	ErrDestinationLookup = errors.New("destination lookup failed")
	// ErrMemberNotFound is a DestinationLookup failure for an absent member.
	ErrMemberNotFound = errors.Mark(errors.New("member not found"), ErrDestinationLookup)
	// ErrSend marks a platform rejection or network failure while posting.
	ErrSend = errors.New("send failed")
)

// Member is a user resolved inside a tenant.
type Member struct {
	ID    string
	Name  string
	Roles []string
}

// Platform posts rendered reminders. Implementations must be safe for
// concurrent use.
type Platform interface {
	SendToChannel(ctx context.Context, tenantID, channel, text string, cards []present.Card) error
	SendDirectMessage(ctx context.Context, tenantID, userID, text string, cards []present.Card) error
	LookupMember(ctx context.Context, tenantID, userID string) (Member, error)
}

// Session is a platform connection with a lifecycle.
type Session interface {
	Platform
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Caller identifies who issued a command.
type Caller struct {
	ID         string
	Name       string
	Privileged bool
}

// Invocation is a platform-neutral command request.
type Invocation struct {
	Command string
	Tenant  string
	Caller  Caller
	Args    map[string]string
}

// Arg returns a trimmed argument value.
func (inv Invocation) Arg(name string) string {
	if inv.Args == nil {
		return ""
	}
	return strings.TrimSpace(inv.Args[name])
}

// Response is what a platform renders back to the caller.
type Response struct {
	Text  string
	Cards []present.Card
}

// CommandHandler answers invocations. Handle never returns without a response.
type CommandHandler interface {
	Handle(ctx context.Context, inv Invocation) Response
}

// CommandSpec describes a command for platform registration.
type CommandSpec struct {
	Name        string
	Description string
	Options     []OptionSpec
}

// OptionSpec is a single optional string argument.
type OptionSpec struct {
	Name        string
	Description string
}

// SendError wraps a platform failure with the ErrSend mark.
func SendError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrSend)
}

// LookupError wraps a resolution failure with the ErrDestinationLookup mark.
func LookupError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrDestinationLookup)
}
