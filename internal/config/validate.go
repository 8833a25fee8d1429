package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultJobLabel         = "notifications_send_wxwork_notices"
	DefaultProvider         = "weixin-work"
	DefaultWorkers          = 4
	DefaultSendTimeout      = 10 * time.Second
	DefaultLocale           = "en"
	DefaultNotificationPath = "/notification/list/"
	DefaultTicketKey        = "wx_work_suite_ticket"
	DefaultBaseURL          = "https://qyapi.weixin.qq.com"
	DefaultRatePerSec       = 20
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultMetricsAddr      = "127.0.0.1:9464"
)

// Validate checks fields that would otherwise fail late, in the middle of a
// run. Optional fields are left empty; the accessors below apply defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Site.URL) == "" {
		return fmt.Errorf("site.url: required")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers: must be >= 0")
	}
	if _, err := ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout); err != nil {
		return err
	}
	if _, err := LoadLocation("dispatch.timezone", c.Dispatch.Timezone); err != nil {
		return err
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Spec) == "" {
		return fmt.Errorf("schedule.spec: required when schedule.enabled")
	}
	if _, err := ParseDurationField("schedule.timeout", c.Schedule.Timeout); err != nil {
		return err
	}
	if _, err := LoadLocation("schedule.timezone", c.Schedule.Timezone); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Source.Path) == "" {
		return fmt.Errorf("source.path: required")
	}
	if _, err := ParseDurationField("source.busy_timeout", c.Source.BusyTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.TicketCache.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.TicketCache.Addr) == "" {
			return fmt.Errorf("ticket_cache.addr: required for redis")
		}
	default:
		return fmt.Errorf("ticket_cache.driver: unsupported %q", c.TicketCache.Driver)
	}
	if c.WXWork.RatePerSec < 0 {
		return fmt.Errorf("wxwork.rate_per_sec: must be >= 0")
	}
	if _, err := ParseDurationField("wxwork.http_timeout", c.WXWork.HTTPTimeout); err != nil {
		return err
	}
	return nil
}

func (d DispatchConfig) JobLabelOrDefault() string {
	return orDefault(d.JobLabel, DefaultJobLabel)
}

func (d DispatchConfig) ProviderOrDefault() string {
	return orDefault(d.Provider, DefaultProvider)
}

func (d DispatchConfig) WorkersOrDefault() int {
	if d.Workers <= 0 {
		return DefaultWorkers
	}
	return d.Workers
}

func (d DispatchConfig) SendTimeoutOrDefault() time.Duration {
	v, err := ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, DefaultSendTimeout)
	if err != nil {
		return DefaultSendTimeout
	}
	return v
}

func (d DispatchConfig) LocaleOrDefault() string {
	return orDefault(d.DefaultLocale, DefaultLocale)
}

func (d DispatchConfig) Location() *time.Location {
	loc, err := LoadLocation("dispatch.timezone", d.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ActionURL joins the site base URL and the notification list path.
func (s SiteConfig) ActionURL() string {
	base := strings.TrimRight(strings.TrimSpace(s.URL), "/")
	return base + orDefault(s.NotificationPath, DefaultNotificationPath)
}

func (t TicketCacheConfig) KeyOrDefault() string {
	return orDefault(t.Key, DefaultTicketKey)
}

func (w WXWorkConfig) BaseURLOrDefault() string {
	return strings.TrimRight(orDefault(w.BaseURL, DefaultBaseURL), "/")
}

func (w WXWorkConfig) RateOrDefault() int {
	if w.RatePerSec <= 0 {
		return DefaultRatePerSec
	}
	return w.RatePerSec
}

func (w WXWorkConfig) HTTPTimeoutOrDefault() time.Duration {
	v, err := ParseDurationOrDefault("wxwork.http_timeout", w.HTTPTimeout, DefaultHTTPTimeout)
	if err != nil {
		return DefaultHTTPTimeout
	}
	return v
}

func (m *MetricsConfig) AddrOrDefault() string {
	if m == nil {
		return DefaultMetricsAddr
	}
	return orDefault(m.Addr, DefaultMetricsAddr)
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
