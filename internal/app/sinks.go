package app

import (
	"errors"
	"io"
	"net/http"
	"time"

	"ddlbot/internal/config"
	"ddlbot/internal/ledger"
	"ddlbot/internal/sink"
	"ddlbot/internal/sink/kafka"
	tgsink "ddlbot/internal/sink/telegram"
	"ddlbot/internal/sink/ticktick"
	"ddlbot/internal/sink/webhook"
	"ddlbot/internal/transport/telegram/adapter"
	logx "ddlbot/pkg/logx"
)

// sinkSet is the delivery side built from config, in delivery order:
// telegram, ticktick, webhook, kafka.
type sinkSet struct {
	sinks     []sink.Sink
	announcer sink.Announcer
	// ticktick is nil when the section is absent.
	ticktick *ticktick.Sink
	closers  []io.Closer
}

func buildSinks(cfg *config.Config, ad *adapter.Adapter, store ledger.Store, log logx.Logger) (*sinkSet, error) {
	set := &sinkSet{}

	if ad != nil {
		tg, err := tgsink.New(ad, tgsink.Options{
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Header:   cfg.Telegram.Header,
			Log:      log,
		})
		if err != nil {
			return nil, err
		}
		set.sinks = append(set.sinks, tg)
		set.announcer = tg
	}

	if t := cfg.TickTick; t != nil {
		tt, err := ticktick.New(store, ticktick.Options{
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			ProjectID:    t.ProjectID,
			RedirectURL:  t.RedirectURL,
			AuthURL:      t.AuthURL,
			TokenURL:     t.TokenURL,
			APIBase:      t.APIBase,
			HTTPClient:   &http.Client{Timeout: config.Duration(t.Timeout, 20*time.Second)},
			Log:          log,
		})
		if err != nil {
			return nil, err
		}
		set.sinks = append(set.sinks, tt)
		set.ticktick = tt
	}

	if w := cfg.Webhook; w != nil {
		wh, err := webhook.New(webhook.Options{
			Method:     w.Method,
			URL:        w.URL,
			Headers:    w.Headers,
			Payload:    w.Payload,
			Field:      w.Field,
			Template:   w.Template,
			HTTPClient: &http.Client{Timeout: config.Duration(w.Timeout, 15*time.Second)},
			Log:        log,
		})
		if err != nil {
			return nil, err
		}
		set.sinks = append(set.sinks, wh)
	}

	if k := cfg.Kafka; k != nil {
		ks, err := kafka.New(kafka.Options{Brokers: k.Brokers, Topic: k.Topic, Log: log})
		if err != nil {
			return nil, err
		}
		set.sinks = append(set.sinks, ks)
		set.closers = append(set.closers, ks)
	}

	if len(set.sinks) == 0 {
		return nil, errors.New("no sinks configured: enable telegram or add a ticktick, webhook or kafka section")
	}
	return set, nil
}

func (s *sinkSet) names() []string {
	out := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		out = append(out, sk.Name())
	}
	return out
}

func (s *sinkSet) close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
