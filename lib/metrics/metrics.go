// Package metrics exports session activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector implements labinst.Observer.
type Collector struct {
	Exchanges    *prometheus.CounterVec
	ExchangeTime *prometheus.HistogramVec
	Acquisitions *prometheus.CounterVec
	AcquireTime  *prometheus.HistogramVec
	PollSkipped  *prometheus.CounterVec
	Traces       *prometheus.CounterVec
	Connected    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labinst_exchanges_total",
			Help: "Command exchanges by endpoint and outcome.",
		}, []string{"endpoint", "kind"}),
		ExchangeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labinst_exchange_duration_seconds",
			Help:    "Time from write to complete reply.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"endpoint"}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labinst_acquisitions_total",
			Help: "Acquisitions by endpoint and outcome.",
		}, []string{"endpoint", "kind"}),
		AcquireTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labinst_acquisition_duration_seconds",
			Help:    "Time from trigger to trace handle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"endpoint"}),
		PollSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labinst_poll_skipped_total",
			Help: "Poll ticks dropped because the previous acquisition was still running.",
		}, []string{"poller"}),
		Traces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labinst_traces_published_total",
			Help: "Traces handed to subscribers.",
		}, []string{"instrument"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labinst_instrument_connected",
			Help: "1 while the instrument session is connected.",
		}, []string{"instrument"}),
	}
	for _, col := range []prometheus.Collector{
		c.Exchanges, c.ExchangeTime, c.Acquisitions, c.AcquireTime, c.PollSkipped, c.Traces, c.Connected,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) ObserveExchange(endpoint, kind string, elapsed time.Duration) {
	c.Exchanges.WithLabelValues(endpoint, kind).Inc()
	c.ExchangeTime.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAcquisition(endpoint, kind string, elapsed time.Duration) {
	c.Acquisitions.WithLabelValues(endpoint, kind).Inc()
	if kind == "ok" {
		c.AcquireTime.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
}

func (c *Collector) ObservePollSkipped(name string) {
	c.PollSkipped.WithLabelValues(name).Inc()
}

// TracePublished counts a trace delivered for instrument.
func (c *Collector) TracePublished(instrument string) {
	c.Traces.WithLabelValues(instrument).Inc()
}

// SetConnected records whether the session of instrument is up.
func (c *Collector) SetConnected(instrument string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.Connected.WithLabelValues(instrument).Set(v)
}

// Serve exposes g on /metrics at addr until the server fails.
func Serve(addr string, g prometheus.Gatherer, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", addr).Info("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}
