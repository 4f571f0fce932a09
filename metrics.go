package conveyor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/model"
	"github.com/flexforge/conveyor/internal/processor"
)

// Metrics holds the monitor's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	sensorErrors prometheus.Counter
	sendErrors   *prometheus.CounterVec
	sanitized    *prometheus.CounterVec
	alertEvents  *prometheus.CounterVec
	activeAlerts prometheus.Gauge

	speed            prometheus.Gauge
	speedAvg         prometheus.Gauge
	speedVariance    prometheus.Gauge
	parts            prometheus.Gauge
	vibration        prometheus.Gauge
	vibrationTrend   prometheus.Gauge
	temperature      prometheus.Gauge
	humidity         prometheus.Gauge
	efficiency       prometheus.Gauge
	maintenanceHours prometheus.Gauge
	jamActive        prometheus.Gauge
	running          prometheus.Gauge
}

// NewMetrics registers the collectors on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &Metrics{
		registry: reg,
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_ticks_total",
			Help: "Processing cycles completed",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "conveyor_tick_duration_seconds",
			Help:    "Processing cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
		}),
		sensorErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_sensor_errors_total",
			Help: "Failed snapshot reads",
		}),
		sendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_gateway_errors_total",
			Help: "Failed gateway deliveries",
		}, []string{"file"}),
		sanitized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_sanitized_fields_total",
			Help: "Readings replaced or clamped before processing",
		}, []string{"field"}),
		alertEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_alert_events_total",
			Help: "Alert lifecycle transitions",
		}, []string{"type", "event"}),
		activeAlerts: gauge("conveyor_active_alerts", "Unacknowledged alerts"),

		speed:            gauge("conveyor_speed_rpm", "Latest belt speed"),
		speedAvg:         gauge("conveyor_speed_avg_rpm", "Average belt speed over the speed history"),
		speedVariance:    gauge("conveyor_speed_variance", "Belt speed variance over the speed history"),
		parts:            gauge("conveyor_parts_per_minute", "Latest part throughput"),
		vibration:        gauge("conveyor_vibration_g", "Latest vibration RMS in g"),
		vibrationTrend:   gauge("conveyor_vibration_trend", "Vibration slope in g per sample"),
		temperature:      gauge("conveyor_temperature_c", "Latest temperature"),
		humidity:         gauge("conveyor_humidity_pct", "Latest relative humidity"),
		efficiency:       gauge("conveyor_efficiency_score", "Efficiency score from 0 to 100"),
		maintenanceHours: gauge("conveyor_maintenance_hours", "Predicted hours until maintenance"),
		jamActive:        gauge("conveyor_jam_active", "1 while a jam is confirmed"),
		running:          gauge("conveyor_running", "1 while the belt is running"),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeTick(s model.SystemState, snap processor.Snapshot, active int, took time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(took.Seconds())
	m.speed.Set(s.SpeedRPM)
	m.speedAvg.Set(snap.AverageSpeed)
	m.speedVariance.Set(snap.SpeedVariance)
	m.parts.Set(float64(s.PartsPerMinute))
	m.vibration.Set(snap.Vibration)
	m.vibrationTrend.Set(snap.VibrationTrend)
	m.temperature.Set(snap.Temperature)
	m.humidity.Set(snap.Humidity)
	m.efficiency.Set(snap.EfficiencyScore)
	m.maintenanceHours.Set(snap.MaintenanceHours)
	m.jamActive.Set(boolFloat(snap.JamDetected))
	m.running.Set(boolFloat(s.ConveyorRunning))
	m.activeAlerts.Set(float64(active))
}

func (m *Metrics) observeSanitized(fields []string) {
	for _, f := range fields {
		m.sanitized.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) observeSensorError() { m.sensorErrors.Inc() }

func (m *Metrics) observeSendError(file string) { m.sendErrors.WithLabelValues(file).Inc() }

// OnAlert counts alert transitions.
func (m *Metrics) OnAlert(event alerting.Event, a alerting.Alert) {
	m.alertEvents.WithLabelValues(a.Type.String(), string(event)).Inc()
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
