package config

import (
	"reflect"
	"strings"

	logx "ddlbot/pkg/logx"
)

// liveSections are applied to a running process without a restart.
var liveSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
	"owners":    true,
	"delivery":  true,
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens, passwords and client secrets are never included;
// only whether they changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "owners")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.OwnerUserIDs, nt.OwnerUserIDs = nil, nil
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.disabled", nt.Disabled),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.UCloud != newCfg.UCloud {
		changed = append(changed, "ucloud")
		attrs = append(attrs,
			logx.String("ucloud.base_url", strings.TrimSpace(newCfg.UCloud.BaseURL)),
			logx.Bool("ucloud.credentials_changed",
				oldCfg.UCloud.Username != newCfg.UCloud.Username || oldCfg.UCloud.Password != newCfg.UCloud.Password),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Bool("delivery.parallel", newCfg.Delivery.Parallel))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_changed", oldCfg.HTTP.Token != newCfg.HTTP.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.TickTick, newCfg.TickTick) {
		changed = append(changed, "ticktick")
		attrs = append(attrs, logx.Bool("ticktick.enabled", newCfg.TickTick != nil))
	}
	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
		attrs = append(attrs, logx.Bool("webhook.enabled", newCfg.Webhook != nil))
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		attrs = append(attrs, logx.Bool("kafka.enabled", newCfg.Kafka != nil))
	}

	return changed, attrs
}

// RestartRequired filters sections that a running process cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
