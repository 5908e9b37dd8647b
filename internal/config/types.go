package config

// Config is herald's full configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Unknown keys are rejected so typos surface at load time instead of
// silently disabling a section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Deferred  *DeferredConfig `json:"deferred,omitempty"`

	Providers ProvidersConfig `json:"providers"`
	Failover  FailoverConfig  `json:"failover,omitempty"`

	// Rates maps a channel name to its max sends per second (0 = unlimited).
	Rates map[string]int `json:"rates,omitempty"`

	Recipients []RecipientConfig         `json:"recipients,omitempty"`
	Rules      []RuleConfig              `json:"rules,omitempty"`
	Templates  map[string]TemplateConfig `json:"templates,omitempty"`

	// Schedules declared here are merged into the registry at startup;
	// schedules created at runtime live only in storage.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
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

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./herald.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // dispatch audit retention; "" keeps forever
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"` // default "1m"
	HistorySize  int    `json:"history_size,omitempty"`
}

type DispatchConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	BatchInterval  string `json:"batch_interval,omitempty"`  // default "5m"
	DigestInterval string `json:"digest_interval,omitempty"` // default "30m"

	// FallbackRecipient names a configured recipient that receives
	// requests whose filtering left nobody eligible. Empty disables the
	// fallback; such requests become no-ops.
	FallbackRecipient string `json:"fallback_recipient,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

type DeferredConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"` // default "30s"
	BatchLimit   int    `json:"batch_limit,omitempty"`
}

type ProvidersConfig struct {
	Email    *EmailProviderConfig    `json:"email,omitempty"`
	Telegram *TelegramProviderConfig `json:"telegram,omitempty"`
	Webhook  *WebhookProviderConfig  `json:"webhook,omitempty"`
	Queue    *QueueProviderConfig    `json:"queue,omitempty"`
}

type EmailProviderConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	Timeout  string `json:"timeout,omitempty"`
}

type TelegramProviderConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"`
}

type WebhookProviderConfig struct {
	Enabled bool              `json:"enabled"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type QueueProviderConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// FailoverConfig bounds retry across a channel's provider list.
type FailoverConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"` // rounds through the list
	BaseDelay  string `json:"base_delay,omitempty"`  // backoff seed, default "500ms"
}

type RecipientConfig struct {
	ID string `json:"id"`

	// Addresses maps channel name to address (email address, telegram chat
	// id, webhook URL, queue routing key).
	Addresses map[string]string `json:"addresses"`

	Disabled    bool                `json:"disabled,omitempty"`
	Channels    []ChannelPrefConfig `json:"channels"`
	Frequency   string              `json:"frequency,omitempty"` // immediate | batched | digest
	Categories  []string            `json:"categories,omitempty"`
	MinSeverity string              `json:"min_severity,omitempty"`
	QuietHours  *QuietHoursConfig   `json:"quiet_hours,omitempty"`
}

type ChannelPrefConfig struct {
	Channel  string `json:"channel"`
	Priority int    `json:"priority,omitempty"`
}

type QuietHoursConfig struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone,omitempty"`
}

type RuleConfig struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	When     RuleWhenConfig `json:"when"`
	Then     RuleThenConfig `json:"then"`
}

type RuleWhenConfig struct {
	Categories []string          `json:"categories,omitempty"`
	Severities []string          `json:"severities,omitempty"`
	Keyword    string            `json:"keyword,omitempty"`
	Window     *QuietHoursConfig `json:"window,omitempty"`
}

// RuleThenConfig carries a rule's effects. Severity and category are not
// rewritable: a request keeps both from creation to delivery.
type RuleThenConfig struct {
	Channels []string `json:"channels,omitempty"`
	Delay    string   `json:"delay,omitempty"` // Go duration string
	Template string   `json:"template,omitempty"`
}

type TemplateConfig struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// ScheduleConfig is one declaratively configured schedule.
type ScheduleConfig struct {
	Name              string         `json:"name"`
	Cron              string         `json:"cron"`
	Timezone          string         `json:"timezone,omitempty"`
	Enabled           bool           `json:"enabled"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty"`
	JobType           string         `json:"job_type"`
	Params            map[string]any `json:"params,omitempty"`
}
