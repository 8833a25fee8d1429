package app

import (
	"strings"
	"time"

	"wxnotice/internal/config"
	"wxnotice/internal/credential"
	"wxnotice/internal/dispatch"
	"wxnotice/internal/metrics"
	"wxnotice/internal/schedule"
	"wxnotice/internal/storage"
	"wxnotice/internal/ticketcache"
	"wxnotice/internal/wxwork"
	logx "wxnotice/pkg/logx"
)

const defaultCursorPath = "./wxnotice.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultCursorPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: path, BusyTimeout: busy}, nil
}

func mapSourceConfig(cfg *config.Config) (storage.SourceConfig, error) {
	busy, err := config.ParseDurationOrDefault("source.busy_timeout", cfg.Source.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.SourceConfig{}, err
	}
	return storage.SourceConfig{Path: strings.TrimSpace(cfg.Source.Path), BusyTimeout: busy}, nil
}

func mapTicketCacheConfig(cfg *config.Config) ticketcache.Config {
	tc := cfg.TicketCache
	return ticketcache.Config{
		Driver:   tc.Driver,
		Addr:     tc.Addr,
		Password: tc.Password,
		DB:       tc.DB,
		Key:      tc.KeyOrDefault(),
		Ticket:   tc.Ticket,
	}
}

func mapTransportConfig(cfg *config.Config) wxwork.TransportConfig {
	return wxwork.TransportConfig{
		BaseURL:    cfg.WXWork.BaseURLOrDefault(),
		RatePerSec: cfg.WXWork.RateOrDefault(),
		Timeout:    cfg.WXWork.HTTPTimeoutOrDefault(),
	}
}

func mapFactory(cfg *config.Config, t *wxwork.Transport) credential.WXWorkFactory {
	w := cfg.WXWork
	return credential.WXWorkFactory{
		Transport:    t,
		CorpID:       w.Corp.CorpID,
		CorpSecret:   w.Corp.Secret,
		CorpAgentID:  w.Corp.AgentID,
		SuiteID:      w.Suite.SuiteID,
		SuiteSecret:  w.Suite.Secret,
		SuiteAgentID: w.Suite.AgentID,
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch
	name := strings.TrimSpace(cfg.Site.Name)
	if name == "" {
		name = "Seafile"
	}
	return dispatch.Config{
		JobLabel:      d.JobLabelOrDefault(),
		SiteName:      name,
		ActionURL:     cfg.Site.ActionURL(),
		Workers:       d.WorkersOrDefault(),
		SendTimeout:   d.SendTimeoutOrDefault(),
		DefaultLocale: d.LocaleOrDefault(),
	}
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	s := cfg.Schedule
	loc, err := config.LoadLocation("schedule.timezone", s.Timezone)
	if err != nil {
		return schedule.Config{}, err
	}
	timeout, err := config.ParseDurationField("schedule.timeout", s.Timeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{Spec: strings.TrimSpace(s.Spec), Location: loc, Timeout: timeout}, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	m := cfg.Metrics
	if m == nil {
		return metrics.ServerConfig{}
	}
	return metrics.ServerConfig{Enabled: m.Enabled, Addr: m.AddrOrDefault(), Pprof: m.Pprof}
}

// restartRequired lists sections whose changes only take effect after a
// restart.
func restartRequired(prev, next *config.Config) []string {
	var out []string
	if prev.Storage != next.Storage {
		out = append(out, "storage")
	}
	if prev.Source != next.Source {
		out = append(out, "source")
	}
	if prev.TicketCache != next.TicketCache {
		out = append(out, "ticket_cache")
	}
	if prev.WXWork.BaseURL != next.WXWork.BaseURL || prev.WXWork.HTTPTimeout != next.WXWork.HTTPTimeout {
		out = append(out, "wxwork.transport")
	}
	if prev.Dispatch.Provider != next.Dispatch.Provider || prev.Dispatch.Timezone != next.Dispatch.Timezone {
		out = append(out, "dispatch.provider/timezone")
	}
	return out
}
