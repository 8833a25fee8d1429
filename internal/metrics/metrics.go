// Package metrics turns dispatch events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wxnotice/internal/eventbus"
)

const namespace = "wxnotice"

// Collector owns a private registry so tests and multiple instances never
// collide on the default one.
type Collector struct {
	reg *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	recipients   prometheus.Gauge
	lastSuccess  prometheus.Gauge
	sends        *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	notices      *prometheus.CounterVec
	dropped      prometheus.CounterFunc
}

// New builds the collector. dropped, when non-nil, is exported as the
// number of events the bus could not deliver.
func New(dropped func() uint64) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Dispatch runs by outcome.",
		}, []string{"outcome", "reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed dispatch runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		recipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recipients",
			Help:      "Connected recipients seen by the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that advanced the cursor.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Gateway sends by recipient kind and outcome.",
		}, []string{"kind", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of gateway sends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Notifications included in successful sends.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		c.runs, c.runDuration, c.recipients, c.lastSuccess,
		c.sends, c.sendDuration, c.notices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if dropped != nil {
		c.dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events lost to full subscriber buffers.",
		}, func() float64 { return float64(dropped()) })
		reg.MustRegister(c.dropped)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe records one event. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.RunStartedData:
		c.recipients.Set(float64(d.Recipients))
	case eventbus.RunFinishedData:
		c.runs.WithLabelValues("finished", "").Inc()
		c.runDuration.Observe(d.Duration.Seconds())
		c.recipients.Set(float64(d.Recipients))
		if d.CursorAdvanced {
			c.lastSuccess.Set(float64(e.Time.Unix()))
		}
	case eventbus.RunAbortedData:
		c.runs.WithLabelValues("aborted", d.Reason).Inc()
	case eventbus.SendData:
		c.sends.WithLabelValues(d.Kind, d.Outcome).Inc()
		if d.Duration > 0 {
			c.sendDuration.WithLabelValues(d.Kind).Observe(d.Duration.Seconds())
		}
		if d.Outcome == eventbus.OutcomeSent {
			c.notices.WithLabelValues(d.Kind).Add(float64(d.Count))
		}
	}
}

// Consume observes events until ctx is done or events is closed.
func (c *Collector) Consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}
