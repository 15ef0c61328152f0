package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("30s", "5m"). Secret fields accept
// ${ENV_VAR} references which are expanded when the file is parsed.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	UCloud    UCloudConfig    `json:"ucloud"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	HTTP      HTTPConfig      `json:"http"`

	// Optional sinks; a nil section means the sink is off.
	TickTick *TickTickConfig `json:"ticktick,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Kafka    *KafkaConfig    `json:"kafka,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID receives assignment messages and login prompts.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
	// Header is the first line of every assignment message.
	Header       string  `json:"header,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives warn+ log lines when
	// logging.telegram is enabled.
	GroupLog    int64  `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	// Disabled keeps the bot offline; assignments then only reach other sinks.
	Disabled bool `json:"disabled,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type UCloudConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Timeout  string `json:"timeout,omitempty"`
	// DetailConcurrency bounds parallel per-item detail lookups.
	DetailConcurrency int `json:"detail_concurrency,omitempty"`
	// DetailRate is detail requests per second; negative disables throttling.
	DetailRate  float64 `json:"detail_rate,omitempty"`
	DetailBurst int     `json:"detail_burst,omitempty"`
}

// StorageConfig selects the ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ddlbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	// CompactEvery is the journal length that triggers a snapshot (file driver).
	CompactEvery int `json:"compact_every,omitempty"`
}

type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type DeliveryConfig struct {
	Parallel bool `json:"parallel"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TickTickConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ProjectID    string `json:"project_id,omitempty"`
	// RedirectURL must point at this process's /auth endpoint.
	RedirectURL string `json:"redirect_url"`
	AuthURL     string `json:"auth_url,omitempty"`
	TokenURL    string `json:"token_url,omitempty"`
	APIBase     string `json:"api_base,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type WebhookConfig struct {
	Method   string            `json:"method,omitempty"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Payload  map[string]any    `json:"payload,omitempty"`
	Field    string            `json:"field,omitempty"`
	Template string            `json:"template,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}
