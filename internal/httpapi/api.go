// Package httpapi exposes manual triggers, the OAuth callback and metrics
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ddlbot/internal/pusher"
	"ddlbot/internal/sink"
	"ddlbot/internal/sink/ticktick"
	logx "ddlbot/pkg/logx"
)

// Runner starts one run.
type Runner interface {
	Run(ctx context.Context, trigger pusher.Trigger) (pusher.Report, error)
}

// Authorizer is the OAuth side of a gated sink.
type Authorizer interface {
	LoginPrompt(ctx context.Context) (string, error)
	Exchange(ctx context.Context, code, state string) error
}

type Options struct {
	Runner Runner
	// Authorizer and Announcer are optional; /auth and /refresh answer 404
	// without an Authorizer.
	Authorizer Authorizer
	Announcer  sink.Announcer
	// RunTimeout bounds a /push run; zero means no extra bound.
	RunTimeout time.Duration
	Log        logx.Logger
}

type API struct {
	opts Options
	log  logx.Logger
}

func New(opts Options) *API {
	return &API{opts: opts, log: opts.Log.With(logx.String("comp", "http"))}
}

// Routes builds the mux. token protects /push and /refresh.
func (a *API) Routes(token string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", allowGetPost(a.ping))
	mux.HandleFunc("/healthz", allowGetPost(a.healthz))
	mux.HandleFunc("/push", allowGetPost(withAuth(token, a.push)))
	mux.HandleFunc("/refresh", allowGetPost(withAuth(token, a.refresh)))
	mux.HandleFunc("/auth", allowGetPost(a.auth))
	mux.Handle("/metrics", allowGetPost(promhttp.Handler().ServeHTTP))
	return mux
}

func (a *API) ping(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "pong")
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (a *API) push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.RunTimeout)
		defer cancel()
	}
	rep, err := a.opts.Runner.Run(ctx, pusher.TriggerHTTP)
	switch {
	case errors.Is(err, pusher.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	if a.opts.Authorizer == nil {
		http.NotFound(w, r)
		return
	}
	prompt, err := a.opts.Authorizer.LoginPrompt(r.Context())
	if err != nil {
		a.log.Error("login prompt failed", logx.Err(err))
		writeText(w, http.StatusInternalServerError, "could not start login")
		return
	}
	if a.opts.Announcer == nil {
		writeText(w, http.StatusOK, prompt)
		return
	}
	if err := a.opts.Announcer.Announce(r.Context(), prompt); err != nil {
		a.log.Error("login prompt not sent", logx.Err(err))
		writeText(w, http.StatusBadGateway, "could not send login link")
		return
	}
	writeText(w, http.StatusOK, "login link sent")
}

func (a *API) auth(w http.ResponseWriter, r *http.Request) {
	if a.opts.Authorizer == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	code, state := strings.TrimSpace(q.Get("code")), strings.TrimSpace(q.Get("state"))
	if code == "" || state == "" {
		writeText(w, http.StatusBadRequest, "missing code or state")
		return
	}
	err := a.opts.Authorizer.Exchange(r.Context(), code, state)
	switch {
	case errors.Is(err, ticktick.ErrStateMismatch), errors.Is(err, ticktick.ErrNoPendingAuth):
		a.log.Warn("oauth callback rejected", logx.Err(err))
		writeText(w, http.StatusBadRequest, "invalid or expired login link")
		return
	case err != nil:
		a.log.Error("oauth exchange failed", logx.Err(err))
		writeText(w, http.StatusBadGateway, "authorization failed")
		return
	}
	if a.opts.Announcer != nil {
		if err := a.opts.Announcer.Announce(r.Context(), "TickTick authorized."); err != nil {
			a.log.Warn("authorization notice not sent", logx.Err(err))
		}
	}
	writeText(w, http.StatusOK, "Authorized. You can close this page.")
}

func allowGetPost(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
