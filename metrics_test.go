package conveyor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/processor"
)

func TestMetrics_ObserveTick(t *testing.T) {
	m := NewMetrics()
	s := SystemState{ConveyorRunning: true, SpeedRPM: 61, PartsPerMinute: 30}
	snap := processor.Snapshot{AverageSpeed: 60, JamDetected: true, EfficiencyScore: 70}

	m.observeTick(s, snap, 3, 2*time.Millisecond)

	if got := testutil.ToFloat64(m.ticks); got != 1 {
		t.Errorf("ticks = %v", got)
	}
	if got := testutil.ToFloat64(m.speed); got != 61 {
		t.Errorf("speed = %v", got)
	}
	if got := testutil.ToFloat64(m.jamActive); got != 1 {
		t.Errorf("jam_active = %v", got)
	}
	if got := testutil.ToFloat64(m.activeAlerts); got != 3 {
		t.Errorf("active_alerts = %v", got)
	}
	if n := testutil.CollectAndCount(m.tickDuration); n != 1 {
		t.Errorf("tick duration series = %d", n)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.observeSanitized([]string{"speed_rpm", "temp", "speed_rpm"})
	m.observeSendError("alerts.qo")
	m.observeSensorError()
	m.OnAlert(alerting.EventTriggered, alerting.Alert{Type: alerting.JamDetected})
	m.OnAlert(alerting.EventTriggered, alerting.Alert{Type: alerting.JamDetected})

	if got := testutil.ToFloat64(m.sanitized.WithLabelValues("speed_rpm")); got != 2 {
		t.Errorf("sanitized speed_rpm = %v", got)
	}
	if got := testutil.ToFloat64(m.sendErrors.WithLabelValues("alerts.qo")); got != 1 {
		t.Errorf("gateway errors = %v", got)
	}
	if got := testutil.ToFloat64(m.sensorErrors); got != 1 {
		t.Errorf("sensor errors = %v", got)
	}
	if got := testutil.ToFloat64(m.alertEvents.WithLabelValues("jam_detected", "triggered")); got != 2 {
		t.Errorf("alert events = %v", got)
	}
}
