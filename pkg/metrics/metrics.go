// Package metrics exposes the bridge's counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every counter, gauge and histogram the bridge reports.
// All fields are safe for concurrent use, since the underlying prometheus
// vectors handle their own locking.
type Metrics struct {
	ModbusReadsTotal  *prometheus.CounterVec
	ModbusErrorsTotal *prometheus.CounterVec

	MQTTPublishesTotal *prometheus.CounterVec
	MQTTErrorsTotal    *prometheus.CounterVec

	ConnectionOnline *prometheus.GaugeVec

	ReconnectAttemptsTotal prometheus.Counter

	PollDuration *prometheus.HistogramVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.DefaultRegisterer to expose them on the process-wide default
// registry, or a dedicated *prometheus.Registry in tests to avoid duplicate
// registration panics across table-driven cases.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ModbusReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_modbus_reads_total",
			Help: "Total number of Modbus register decodes, by device.",
		}, []string{"device_id"}),
		ModbusErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_modbus_errors_total",
			Help: "Total number of Modbus decode/encode failures, by device.",
		}, []string{"device_id"}),
		MQTTPublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_mqtt_publishes_total",
			Help: "Total number of MQTT command publishes, by device.",
		}, []string{"device_id"}),
		MQTTErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossibot_mqtt_errors_total",
			Help: "Total number of MQTT publish failures, by device.",
		}, []string{"device_id"}),
		ConnectionOnline: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fossibot_connection_online",
			Help: "1 if the cloud connection is considered healthy, 0 otherwise.",
		}, []string{"account"}),
		ReconnectAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossibot_reconnect_attempts_total",
			Help: "Total number of reconnection attempts made by the connector.",
		}),
		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fossibot_poll_duration_seconds",
			Help:    "Duration of a full poll cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// ObservePoll records a poll cycle's outcome and duration.
func (m *Metrics) ObservePoll(outcome string, d time.Duration) {
	m.PollDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetOnline records the connection health gauge for account.
func (m *Metrics) SetOnline(account string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	m.ConnectionOnline.WithLabelValues(account).Set(v)
}
