package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"possync/internal/domain/entity"
)

const namespace = "possync"

// Collector метрики центра: результаты push, объем pull, соединения уведомлений
type Collector struct {
	registry    *prometheus.Registry
	pushResults *prometheus.CounterVec
	pulled      *prometheus.CounterVec
	wsConns     prometheus.Gauge
	wsAcks      prometheus.Counter
}

// New регистрирует коллекторы в собственном реестре (плюс go/process)
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pushResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_changes_total",
			Help:      "Pushed changes by entity type and result (success, conflict, failure).",
		}, []string{"entity_type", "result"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulled_entities_total",
			Help:      "Entities served to terminals through pull.",
		}, []string{"entity_type"}),
		wsConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open terminal notification connections.",
		}),
		wsAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_acks_total",
			Help:      "Sync trigger acknowledgements received from terminals.",
		}),
	}

	c.registry.MustRegister(
		c.pushResults,
		c.pulled,
		c.wsConns,
		c.wsAcks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) ObservePush(t entity.Type, result string) {
	c.pushResults.WithLabelValues(string(t), result).Inc()
}

func (c *Collector) ObservePull(t entity.Type, n int) {
	c.pulled.WithLabelValues(string(t)).Add(float64(n))
}

func (c *Collector) ConnectionOpened() { c.wsConns.Inc() }
func (c *Collector) ConnectionClosed() { c.wsConns.Dec() }
func (c *Collector) AckReceived()      { c.wsAcks.Inc() }

// Handler эндпоинт /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
