// Package metrics exposes Prometheus instruments for the node
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plantnode"

// Publish results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the node's instruments
type Metrics struct {
	registry *prometheus.Registry

	PropertyValue    *prometheus.GaugeVec
	Publishes        *prometheus.CounterVec
	CloudConnected   prometheus.Gauge
	NetworkState     prometheus.Gauge
	ReadingsIngested *prometheus.CounterVec
}

// New creates and registers all instruments on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PropertyValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "property_value",
			Help:      "Last published value of a cloud property.",
		}, []string{"property"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Property publish attempts by result.",
		}, []string{"property", "result"}),
		CloudConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cloud_connected",
			Help:      "1 when the cloud transport is connected.",
		}),
		NetworkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_state",
			Help:      "Connection handler state (0 init, 1 connecting, 2 connected, 3 disconnected, 4 closed).",
		}),
		ReadingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Sensor readings accepted through the local API.",
		}, []string{"property"}),
	}

	reg.MustRegister(
		m.PropertyValue,
		m.Publishes,
		m.CloudConnected,
		m.NetworkState,
		m.ReadingsIngested,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObservePublish records the outcome of one property publish
func (m *Metrics) ObservePublish(property string, value float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Publishes.WithLabelValues(property, ResultError).Inc()
		return
	}
	m.Publishes.WithLabelValues(property, ResultOK).Inc()
	m.PropertyValue.WithLabelValues(property).Set(value)
}

// SetCloudConnected records the cloud connection state
func (m *Metrics) SetCloudConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.CloudConnected.Set(1)
	} else {
		m.CloudConnected.Set(0)
	}
}

// SetNetworkState records the connection handler state
func (m *Metrics) SetNetworkState(state int) {
	if m == nil {
		return
	}
	m.NetworkState.Set(float64(state))
}

// ObserveReading records one accepted reading
func (m *Metrics) ObserveReading(property string) {
	if m == nil {
		return
	}
	m.ReadingsIngested.WithLabelValues(property).Inc()
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
