// Package telegram connects an operator chat: warn+ log lines are posted there
// and the chat may run maintenance commands.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/present"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

// sender is the subset of *tele.Bot used for outbound messages.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot  *tele.Bot
	send sender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	hmu     sync.RWMutex
	handler transport.CommandHandler
}

// New builds the bot without starting the poller. An empty token is an error;
// callers skip the adapter entirely when no token is configured.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(cfg.Token),
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram bot")
	}
	a := newAdapter(cfg, b, log)
	a.bot = b
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func newAdapter(cfg Config, s sender, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, send: s}
}

// SetHandler installs the command handler for ops chat commands.
func (a *Adapter) SetHandler(h transport.CommandHandler) {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	a.handler = h
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running || a.bot == nil {
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks shutdown for long on a pending long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendOps posts a rendered log line to the ops chat.
func (a *Adapter) SendOps(ctx context.Context, text string) error {
	return a.sendText(ctx, text)
}

func (a *Adapter) sendText(ctx context.Context, text string) error {
	chat := &tele.Chat{ID: a.cfg.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.send.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              a.cfg.ThreadID,
		}); err != nil {
			return transport.SendError(err, "telegram chat %d", a.cfg.ChatID)
		}
	}
	return nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Sender == nil {
		return nil
	}
	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	ctx := context.Background()
	if sup != nil {
		ctx = sup.Context()
	}
	a.handleText(ctx, m.Chat.ID, m.Sender.ID, m.Sender.Username, m.Text)
	return nil
}

// handleText runs commands posted in the ops chat. Anyone in that chat is
// privileged; other chats are ignored.
func (a *Adapter) handleText(ctx context.Context, chatID, fromID int64, from, text string) {
	if chatID != a.cfg.ChatID {
		return
	}
	inv, ok := parseCommand(text)
	if !ok {
		return
	}
	a.hmu.RLock()
	h := a.handler
	a.hmu.RUnlock()
	if h == nil {
		return
	}
	inv.Caller = transport.Caller{ID: formatID(fromID), Name: from, Privileged: true}

	resp := h.Handle(ctx, inv)
	out := resp.Text
	if len(resp.Cards) > 0 {
		out += "\n\n" + present.PlainText(resp.Cards)
	}
	if err := a.sendText(ctx, out); err != nil {
		a.log.Warn("ops reply failed", logx.String("cmd", inv.Command), logx.Err(err))
	}
}

// parseCommand maps "/schedule <tenant> [month] [year]" and the argument-free
// commands. A "@botname" suffix on the command is dropped.
func parseCommand(text string) (transport.Invocation, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return transport.Invocation{}, false
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	inv := transport.Invocation{Command: strings.ToLower(name), Args: map[string]string{}}
	args := fields[1:]
	if inv.Command == "schedule" && len(args) > 0 {
		inv.Tenant, args = args[0], args[1:]
	}
	for i, key := range []string{"month", "year"} {
		if i < len(args) {
			inv.Args[key] = args[i]
		}
	}
	return inv, true
}
