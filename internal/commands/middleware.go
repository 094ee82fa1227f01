package commands

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// ErrDenied is returned by the access gate.
var ErrDenied = errors.New("permission denied")

type HandlerFunc func(ctx context.Context, req *Request) (Reply, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWAccessGate rejects callers without the privileged flag.
func MWAccessGate(audit func(ctx context.Context, req *Request, took time.Duration, err error)) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (Reply, error) {
			if !req.Caller.Privileged {
				req.Logger.Info("command denied")
				if audit != nil {
					audit(ctx, req, 0, ErrDenied)
				}
				return Reply{}, ErrDenied
			}
			return next(ctx, req)
		}
	}
}

// MWTimeout bounds the handler. d is read per call so it can be hot-reloaded.
func MWTimeout(d func() time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (Reply, error) {
			limit := d()
			if limit <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (rep Reply, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					rep, err = Reply{}, errors.Newf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (Reply, error) {
			start := time.Now()
			rep, err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				// Keep INFO useful: short successful requests go to DEBUG.
				req.Logger.Info("command ok", logx.Duration("dur", d))
			} else {
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			}
			return rep, err
		}
	}
}

// MWAudit records the outcome of every executed command.
func MWAudit(audit func(ctx context.Context, req *Request, took time.Duration, err error)) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (Reply, error) {
			start := time.Now()
			rep, err := next(ctx, req)
			if audit != nil {
				audit(ctx, req, time.Since(start), err)
			}
			return rep, err
		}
	}
}

func (s *Service) auditCommand(ctx context.Context, req *Request, took time.Duration, err error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		Kind:   storage.KindCommand,
		Actor:  req.Caller.ID,
		Tenant: req.Tenant,
		Action: req.Command,
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
