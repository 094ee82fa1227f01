package app

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof exposes the runtime profiler behind a bearer token. An empty
// token leaves the endpoints unmounted.
func mountPprof(mux *http.ServeMux, token string) bool {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return false
	}
	wrap := func(h http.HandlerFunc) http.Handler { return withToken(tok, h) }
	mux.Handle(pprofPrefix, wrap(hpprof.Index))
	mux.Handle(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.Handle(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.Handle(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.Handle(pprofPrefix+"trace", wrap(hpprof.Trace))
	return true
}

// withToken accepts "Authorization: Bearer <token>" or "?token=<token>".
func withToken(tok string, h http.HandlerFunc) http.Handler {
	want := []byte(tok)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	})
}
