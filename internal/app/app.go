// Package app wires configuration, storage, the gateway and the dispatcher
// into a run-once command or a scheduled service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wxnotice/internal/aggregate"
	"wxnotice/internal/config"
	"wxnotice/internal/credential"
	"wxnotice/internal/cursor"
	"wxnotice/internal/dispatch"
	"wxnotice/internal/eventbus"
	"wxnotice/internal/metrics"
	"wxnotice/internal/recipient"
	"wxnotice/internal/render"
	"wxnotice/internal/runtime/supervisor"
	"wxnotice/internal/schedule"
	"wxnotice/internal/storage"
	"wxnotice/internal/ticketcache"
	"wxnotice/internal/wxwork"
	logx "wxnotice/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	source  *storage.Source
	tickets ticketcache.Cache

	transport *wxwork.Transport
	// factory is swapped on reload; the next run's broker picks it up.
	factory atomic.Pointer[credential.WXWorkFactory]

	disp    *dispatch.Dispatcher
	runner  *schedule.Runner
	metrics *metrics.Collector
	msrv    *metrics.Server
}

// New loads the config at cfgPath and opens every backend. Nothing runs
// until RunOnce or Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.open(cfg, root); err != nil {
		a.closeBackends()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, root); err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return err
	}
	if a.source, err = storage.OpenSource(srcCfg, root); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	if a.tickets, err = ticketcache.Open(mapTicketCacheConfig(cfg), root); err != nil {
		return fmt.Errorf("open ticket cache: %w", err)
	}
	if p, ok := a.tickets.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(context.Background()); err != nil {
			return fmt.Errorf("ticket cache unreachable: %w", err)
		}
	}

	a.transport = wxwork.NewTransport(mapTransportConfig(cfg), root)
	f := mapFactory(cfg, a.transport)
	a.factory.Store(&f)

	cur := cursor.New(a.store,
		cursor.WithLocation(cfg.Dispatch.Location()),
		cursor.WithLogger(root),
	)
	a.disp = dispatch.New(mapDispatchConfig(cfg), dispatch.Deps{
		Cursor:     cur,
		Registry:   recipient.NewRegistry(a.source, cfg.Dispatch.ProviderOrDefault(), root),
		Aggregator: aggregate.New(a.source, root),
		Locales:    a.source,
		Renderer:   render.New(cfg.Dispatch.LocaleOrDefault()),
		NewBroker:  a.newBroker(root),
		Bus:        a.bus,
		Log:        root,
	})

	a.metrics = metrics.New(a.bus.Dropped)
	a.msrv = metrics.NewServer(mapMetricsConfig(cfg), a.metrics.Handler(), root)
	a.runner = schedule.NewRunner(a.scheduledRun, root)
	return nil
}

func (a *App) newBroker(log logx.Logger) func() dispatch.Broker {
	return func() dispatch.Broker {
		return credential.NewBroker(*a.factory.Load(), a.tickets, a.source, log)
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// RunOnce performs a single dispatch and returns its result.
func (a *App) RunOnce(ctx context.Context) (dispatch.Result, error) {
	return a.disp.Run(ctx)
}

func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.disp.Run(ctx)
	if errors.Is(err, dispatch.ErrRunInProgress) {
		a.log.Warn("previous run still in progress; trigger skipped")
		return nil
	}
	return err
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the service: scheduled dispatch, metrics and config reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("metrics.collect", func(c context.Context) {
		defer unsub()
		a.metrics.Consume(c, events)
	})
	if a.msrv.Enabled() {
		a.msrv.Start(a.sup.Context())
	}

	if cfg.Schedule.Enabled {
		sc, err := mapScheduleConfig(cfg)
		if err != nil {
			return err
		}
		if err := a.runner.Start(a.sup.Context(), sc); err != nil {
			return err
		}
	} else {
		a.log.Warn("schedule disabled; service is idle until enabled via config")
	}

	reload := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reload)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-reload:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-reload:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("service started",
		logx.Bool("schedule", cfg.Schedule.Enabled),
		logx.String("spec", cfg.Schedule.Spec),
		logx.Time("next", a.runner.Next()),
	)
	return nil
}

// applyConfig hot-applies a reloaded config.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.logs.Apply(mapLogConfig(next))
	a.disp.Apply(mapDispatchConfig(next))
	a.transport.SetRate(next.WXWork.RateOrDefault())
	f := mapFactory(next, a.transport)
	a.factory.Store(&f)

	sc, err := mapScheduleConfig(next)
	switch {
	case err != nil:
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	case prev.Schedule.Enabled && !next.Schedule.Enabled:
		a.log.Info("schedule disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.runner.Stop(stopCtx)
		cancel()
	case !prev.Schedule.Enabled && next.Schedule.Enabled:
		a.log.Info("schedule enabled via config")
		if err := a.runner.Start(ctx, sc); err != nil {
			a.log.Warn("schedule start failed", logx.Err(err))
		}
	case next.Schedule.Enabled:
		if err := a.runner.Apply(sc); err != nil {
			a.log.Warn("schedule apply failed; keeping previous", logx.Err(err))
		}
	}

	a.msrv.Reconfigure(ctx, mapMetricsConfig(next))

	if sections := restartRequired(prev, next); len(sections) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", logx.Time("next_run", a.runner.Next()))
}

// Stop shuts the service down. Each step is bounded so one component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("schedule", 5*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	a.closeBackends()

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeBackends() {
	if a.tickets != nil {
		if err := a.tickets.Close(); err != nil {
			a.log.Warn("close ticket cache", logx.Err(err))
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.log.Warn("close source", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close cursor store", logx.Err(err))
		}
	}
}
