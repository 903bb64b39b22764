package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace is the metric namespace used by the CLI.
const DefaultNamespace = "subtype"

// Collector holds the broker's metric vectors.
type Collector struct {
	spawns          *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	interfaces      prometheus.Gauge
	buffers         prometheus.Gauge
	watchers        prometheus.Gauge
	moduleChanges   prometheus.Counter
	reloads         *prometheus.CounterVec
}

// New creates a collector and registers its metrics on reg.
// A nil reg registers on the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		spawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_spawns_total",
				Help:      "Language service processes spawned, by result",
			},
			[]string{"result"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_requests_total",
				Help:      "Requests sent to language services, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_request_duration_seconds",
				Help:      "Round trip time of language service requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		interfaces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interfaces_active",
			Help:      "Interfaces currently tracked by the lifecycle manager",
		}),
		buffers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffers_attached",
			Help:      "Editor buffers currently attached",
		}),
		watchers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_watchers",
			Help:      "Directory watchers running for module dependencies",
		}),
		moduleChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_changes_total",
			Help:      "Module change notifications delivered to interfaces",
		}),
		reloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interface_reloads_total",
				Help:      "Interface reloads, by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveSpawn records a service spawn attempt.
func (c *Collector) ObserveSpawn(ok bool) {
	if c == nil {
		return
	}
	c.spawns.WithLabelValues(result(ok)).Inc()
}

// ObserveRequest records one request round trip.
func (c *Collector) ObserveRequest(command string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.requests.WithLabelValues(command, outcome).Inc()
	c.requestDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ObserveReload records an interface reload.
func (c *Collector) ObserveReload(ok bool) {
	if c == nil {
		return
	}
	c.reloads.WithLabelValues(result(ok)).Inc()
}

// SetInterfaces sets the number of live interfaces.
func (c *Collector) SetInterfaces(n int) {
	if c == nil {
		return
	}
	c.interfaces.Set(float64(n))
}

// SetBuffers sets the number of attached buffers.
func (c *Collector) SetBuffers(n int) {
	if c == nil {
		return
	}
	c.buffers.Set(float64(n))
}

// SetWatchers sets the number of running directory watchers.
func (c *Collector) SetWatchers(n int) {
	if c == nil {
		return
	}
	c.watchers.Set(float64(n))
}

// IncModuleChange counts a module change notification.
func (c *Collector) IncModuleChange() {
	if c == nil {
		return
	}
	c.moduleChanges.Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
