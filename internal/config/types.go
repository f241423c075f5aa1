package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Engine controls the scheduling chain (timezone, staleness tolerance).
	Engine EngineConfig `json:"engine"`

	// Executor controls the delayed-job runner.
	Executor *ExecutorConfig `json:"executor,omitempty"`

	// Sender controls outbound delivery (rate limit, retries).
	Sender *SenderConfig `json:"sender,omitempty"`

	// OpenAI enables generated message content. Omitted = disabled.
	OpenAI *OpenAIConfig `json:"openai,omitempty"`

	// Maintenance controls periodic background jobs.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the scheduling chain.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
//
// Defaults (when fields are omitted/zero):
//   - timezone: system local
//   - tolerance: "2h"
type EngineConfig struct {
	Timezone  string `json:"timezone,omitempty"`
	Tolerance string `json:"tolerance,omitempty"`
}

type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// DefaultTimeout bounds a single firing. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SenderConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`
}

type OpenAIConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key"` // do not log
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty"`
}

// MaintenanceConfig controls periodic housekeeping.
//
// PruneSpec and ReconcileSpec are cron expressions (standard 5-field form).
type MaintenanceConfig struct {
	Enabled       bool   `json:"enabled"`
	PruneSpec     string `json:"prune_spec,omitempty"`     // default "17 3 * * *"
	LogRetention  string `json:"log_retention,omitempty"`  // Go duration, default "720h"
	ReconcileSpec string `json:"reconcile_spec,omitempty"` // default "*/30 * * * *"
}
