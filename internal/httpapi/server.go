package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "ddlbot/internal/runtime/supervisor"
	logx "ddlbot/pkg/logx"
)

// Config controls the HTTP listener.
//
// Token protects /push, /refresh and the profiling endpoints. Pprof is only
// mounted when the listener is loopback or a token is set.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const (
	DefaultAddr         = "127.0.0.1:8080"
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 6 * time.Minute
	defaultIdleTimeout  = 60 * time.Second
)

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Server runs the API under its own supervisor so a crashed listener is
// restarted with backoff.
type Server struct {
	api *API
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	srv      *http.Server
	addr     string
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

func NewServer(cfg Config, api *API, log logx.Logger) *Server {
	return &Server{
		cfg: cfg,
		api: api,
		log: log.With(logx.String("comp", "http")),
	}
}

// Addr returns the bound address once the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once the first listener is bound.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone, s.addr = nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := cur.addr()
	loopback := isLoopbackAddr(addr)
	if !loopback && strings.TrimSpace(cur.Token) == "" {
		s.log.Warn("http listening on a non-loopback address without a token; /push is public", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	mux := s.api.Routes(cur.Token)
	if cur.Pprof {
		if loopback || cur.Token != "" {
			mountPprof(mux, cur.Token)
		} else {
			s.log.Error("pprof not mounted: non-loopback addr requires a token", logx.String("addr", addr))
		}
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  orDuration(cur.ReadTimeout, defaultReadTimeout),
		WriteTimeout: orDuration(cur.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  orDuration(cur.IdleTimeout, defaultIdleTimeout),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	if s.ready != nil {
		select {
		case <-s.ready:
		default:
			close(s.ready)
		}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func mountPprof(mux *http.ServeMux, token string) {
	mux.HandleFunc("/debug/pprof/", withAuth(token, hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", withAuth(token, hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", withAuth(token, hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", withAuth(token, hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", withAuth(token, hpprof.Trace))
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
