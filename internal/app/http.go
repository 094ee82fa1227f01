package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/internal/dispatch"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/schedule"
	"remindbot/pkg/logx"
)

type health struct {
	Status      string                 `json:"status"`
	Entries     int                    `json:"entries"`
	Tenants     int                    `json:"tenants"`
	RefreshedAt *time.Time             `json:"refreshed_at,omitempty"`
	LastCycle   *time.Time             `json:"last_cycle,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	Fatal       string                 `json:"fatal,omitempty"`
	Tasks       []supervisor.TaskStats `json:"tasks,omitempty"`
}

type cycleReporter interface {
	LastCycle() (dispatch.Report, time.Time, error)
}

// healthHandler reports 200 while the supervisor has no fatal error and the
// cache was loaded at least once; 503 otherwise.
func healthHandler(cache *schedule.Cache, cycles cycleReporter, sup func() *supervisor.Supervisor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h := health{Status: "ok", Entries: cache.Len(), Tenants: len(cache.Tenants())}
		if at := cache.RefreshedAt(); !at.IsZero() {
			h.RefreshedAt = &at
		} else {
			h.Status = "loading"
		}
		if cycles != nil {
			if _, at, err := cycles.LastCycle(); !at.IsZero() {
				h.LastCycle = &at
				if err != nil {
					h.LastError = err.Error()
				}
			}
		}
		if s := sup(); s != nil {
			h.Tasks = s.Snapshot()
			if err := s.Err(); err != nil {
				h.Status = "failing"
				h.Fatal = err.Error()
			}
		}

		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(h)
		}
	})
}

// serveHTTP runs srv until ctx ends, then shuts it down with a short grace.
func serveHTTP(ctx context.Context, srv *http.Server, log logx.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", srv.Addr)
	}
	log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http serve")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", logx.Err(err))
		}
		<-errCh
		return nil
	}
}
