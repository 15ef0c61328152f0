package app

import (
	"io"
	"time"

	"ddlbot/internal/config"
	kit "ddlbot/internal/transport"
	"ddlbot/internal/transport/telegram/adapter"
	logx "ddlbot/pkg/logx"
)

func loggingConfig(cfg *config.Config, out io.Writer) logx.Config {
	return logx.Config{
		Out:     out,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// applyLogging sets the Telegram target before Apply so enabling Telegram
// logging does not warn about a missing chat.
func applyLogging(svc *logx.Service, cfg *config.Config, out io.Writer) {
	svc.SetTelegramTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	svc.Apply(loggingConfig(cfg, out))
}

// newLogging builds the log service. Telegram output starts disabled and is
// switched on by applyLogging once the target is known.
func newLogging(cfg *config.Config, ad *adapter.Adapter, out io.Writer) (*logx.Service, logx.Logger) {
	var sender kit.Adapter
	if ad != nil {
		sender = ad
	}
	boot := loggingConfig(cfg, out)
	boot.Telegram.Enabled = false
	svc, log := logx.New(boot, sender)
	applyLogging(svc, cfg, out)
	return svc, log
}

// newAdapter returns nil when the bot is disabled.
func newAdapter(cfg *config.Config) (*adapter.Adapter, error) {
	if cfg.Telegram.Disabled {
		return nil, nil
	}
	return adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
		APIURL:      cfg.Telegram.APIURL,
	}, logx.NewConsole(cfg.Logging.Level))
}

type options struct {
	logOut io.Writer
}

type Option func(*options)

// WithLogOutput sends console logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}
