package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"ddlbot/internal/scheduler"
)

// Validate checks everything that can be checked without network access.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !c.Telegram.Disabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add("telegram.token is required")
		}
		if c.Telegram.ChatID == 0 {
			add("telegram.chat_id is required")
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	if c.Logging.Telegram.Enabled && c.Telegram.GroupLog == 0 {
		add("logging.telegram requires telegram.group_log")
	}
	if !validLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	if err := checkURL("ucloud.base_url", c.UCloud.BaseURL); err != nil {
		errs = append(errs, err)
	}
	dur("ucloud.timeout", c.UCloud.Timeout)
	if c.UCloud.DetailConcurrency < 0 {
		add("ucloud.detail_concurrency must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	case "memory":
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	if c.Storage.ChunkSize < 0 {
		add("storage.chunk_size must be >= 0")
	}

	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(c.Scheduler.Schedule); err != nil {
			add("scheduler.schedule: %v", err)
		}
	}
	dur("scheduler.run_timeout", c.Scheduler.RunTimeout)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	if t := c.TickTick; t != nil {
		if strings.TrimSpace(t.ClientID) == "" || strings.TrimSpace(t.ClientSecret) == "" {
			add("ticktick.client_id and ticktick.client_secret are required")
		}
		if err := checkURL("ticktick.redirect_url", t.RedirectURL); err != nil {
			errs = append(errs, err)
		}
		if !c.HTTP.Enabled {
			add("ticktick requires http.enabled for the OAuth callback")
		}
		dur("ticktick.timeout", t.Timeout)
	}
	if w := c.Webhook; w != nil {
		if err := checkURL("webhook.url", w.URL); err != nil {
			errs = append(errs, err)
		}
		dur("webhook.timeout", w.Timeout)
	}
	if k := c.Kafka; k != nil {
		if len(k.Brokers) == 0 {
			add("kafka.brokers is required")
		}
		if strings.TrimSpace(k.Topic) == "" {
			add("kafka.topic is required")
		}
	}
	return errors.Join(errs...)
}

func checkURL(path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
