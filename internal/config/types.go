package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Site    SiteConfig    `json:"site"`

	// Dispatch tunes a single dispatch run.
	Dispatch DispatchConfig `json:"dispatch"`

	// Schedule controls when the service triggers a run. Ignored with -once.
	Schedule ScheduleConfig `json:"schedule"`

	// Storage holds the dispatch cursor.
	Storage StorageConfig `json:"storage"`

	// Source is the read-only database with notifications, account links,
	// user profiles and tenant authorizations.
	Source SourceConfig `json:"source"`

	TicketCache TicketCacheConfig `json:"ticket_cache"`
	WXWork      WXWorkConfig      `json:"wxwork"`
	Metrics     *MetricsConfig    `json:"metrics,omitempty"`
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

// SiteConfig describes the site the notifications belong to.
//
// The action URL of every message is URL (trailing "/" trimmed) followed by
// NotificationPath.
type SiteConfig struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	NotificationPath string `json:"notification_path,omitempty"` // default: "/notification/list/"
}

// DispatchConfig controls a dispatch run.
//
// Defaults (when fields are omitted/zero):
//   - job_label: "notifications_send_wxwork_notices"
//   - provider: "weixin-work"
//   - workers: 4
//   - send_timeout: "10s"
//   - default_locale: "en"
//   - timezone: local time
type DispatchConfig struct {
	JobLabel      string `json:"job_label,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	DefaultLocale string `json:"default_locale,omitempty"`
	// Timezone decides what "start of the current day" means for the first run.
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig controls the service mode trigger.
//
// Spec accepts cron ("*/5 * * * *", "@hourly"), a Go duration ("10m")
// or HH:MM ("00:30").
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec"`
	Timezone string `json:"timezone,omitempty"`
	// Timeout bounds one scheduled run. "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the cursor backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wxnotice.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SourceConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TicketCacheConfig points at the shared cache refreshed by the suite
// callback receiver.
type TicketCacheConfig struct {
	Driver   string `json:"driver"` // "redis" | "memory"
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"` // default: "wx_work_suite_ticket"
	// Ticket seeds the memory driver. Local runs only.
	Ticket string `json:"ticket,omitempty"`
}

type WXWorkConfig struct {
	BaseURL    string `json:"base_url,omitempty"` // default: "https://qyapi.weixin.qq.com"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// HTTPTimeout bounds a single HTTP round trip (token or send).
	HTTPTimeout string         `json:"http_timeout,omitempty"`
	Corp        CorpAppConfig  `json:"corp"`
	Suite       SuiteAppConfig `json:"suite"`
}

// CorpAppConfig is the shared application used for direct recipients.
type CorpAppConfig struct {
	CorpID  string `json:"corp_id"`
	Secret  string `json:"secret"` // do not log
	AgentID string `json:"agent_id"`
}

// SuiteAppConfig is the third-party suite used for delegated recipients.
type SuiteAppConfig struct {
	SuiteID string `json:"suite_id"`
	Secret  string `json:"secret"` // do not log
	AgentID string `json:"agent_id"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	// Pprof also serves /debug/pprof/ on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}
