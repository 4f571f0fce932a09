// Package conveyor monitors a production-line conveyor from periodic sensor
// snapshots.
//
// Each cycle the Monitor sanitizes a snapshot, feeds it to the statistical
// analyzer and the anomaly detector, raises alerts with suppression and
// escalation, and delivers alerts, events and telemetry through an uplink
// gateway.
//
// # Basic Usage
//
// Build a monitor from the default configuration:
//
//	cfg := conveyor.DefaultConfig()
//	cfg.Journal.Path = "line1.db"
//	m, err := conveyor.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
// Feed it snapshots, either one at a time:
//
//	err := m.Tick(ctx, conveyor.SystemState{
//	    ConveyorRunning: true,
//	    SpeedRPM:        60,
//	    PartsPerMinute:  30,
//	    VibrationLevel:  0.8,
//	    Temperature:     24,
//	    Humidity:        45,
//	})
//
// or from a sensor source until ctx is cancelled:
//
//	src, closeSrc, err := sensor.New(cfg.Sensor)
//	defer closeSrc()
//	err = m.Run(ctx, src)
//
// Acknowledge an alert from the operator side:
//
//	err := m.Acknowledge(ctx, conveyor.JamDetected)
//
// # Features
//
// Processing core:
//   - Rolling speed, vibration and temperature histories
//   - Vibration baseline, trend and maintenance prediction
//   - Jam confirmation after a sustained low-vibration window
//   - Speed, vibration and environmental anomaly checks
//
// Alerting:
//   - Per-type suppression with a shorter window for critical alerts
//   - Escalation by occurrence count and a bounded alert table
//   - Auto-clear on recovery and operator acknowledgment
//
// Delivery and storage:
//   - Log, HTTP, MQTT and WebSocket uplinks with retries and a circuit breaker
//   - SQLite journal of telemetry and alert transitions
//   - Compressed, optionally encrypted archives in S3
//   - Prometheus metrics and remote write
//
// # HTTP API
//
// With HTTP enabled, Run serves the routes documented on [Handler].
package conveyor
