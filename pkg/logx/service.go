package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "ddlbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig

	// Out receives console output; nil means stdout.
	Out io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors log lines at or above MinLevel (default warn) into
// a chat, at most RatePerSec lines per second.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./ddlbot.log"

// Service owns the current zerolog root and its outputs.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	cfg  Config
	file *os.File
	tg   *telegramSink
}

// New applies cfg and returns the service with its root Logger. sender may
// be nil, in which case Telegram output is silently dropped.
func New(cfg Config, sender kit.Adapter) (*Service, Logger) {
	setGlobals()
	s := &Service{tg: newTelegramSink(sender, cfg.Telegram.ThreadID)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget sets the log chat. A zero thread keeps the previous one.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.tg.setTarget(chatID, threadID)
}

// Apply rebuilds the outputs. Loggers handed out earlier pick up the change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(cfg.Out))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.tg.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		s.tg.start()
		writers = append(writers, s.tg)
		if !s.tg.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but no log chat is set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(cfg.Out))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the Telegram worker and closes the log file.
func (s *Service) Close() error {
	s.tg.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func consoleWriter(out io.Writer) io.Writer {
	if out == nil {
		out = os.Stdout
	}
	// Colors only for a real terminal stream.
	_, isFile := out.(*os.File)
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: !isFile}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// telegramSink is a zerolog.LevelWriter that queues formatted lines for a
// single background sender. Logging never blocks on the network; lines are
// dropped when the queue is full or the rate limit is hit.
type telegramSink struct {
	sender kit.Adapter
	lines  chan tgLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tgLine struct {
	to  kit.ChatTarget
	msg string
}

func newTelegramSink(sender kit.Adapter, threadID int) *telegramSink {
	return &telegramSink{
		sender:   sender,
		lines:    make(chan tgLine, 256),
		threadID: threadID,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chatID = chatID
	if threadID != 0 {
		t.threadID = threadID
	}
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID != 0
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.threadID = cfg.ThreadID
	}
}

func (t *telegramSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.loop(ctx)
		}()
	})
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-t.lines:
			if t.sender != nil {
				_, _ = t.sender.SendText(ctx, l.to, l.msg, &kit.SendOptions{DisablePreview: true})
			}
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to := kit.ChatTarget{ChatID: t.chatID, ThreadID: t.threadID}
	minLevel, lim := t.minLevel, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatLine(p); msg != "" {
		select {
		case t.lines <- tgLine{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}
