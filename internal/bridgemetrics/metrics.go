// Package bridgemetrics exposes Prometheus counters and gauges for the
// ingestion/detection/correlation pipeline. Registration happens at
// package init via promauto so a future admin HTTP surface can serve
// /metrics without this package knowing about it.
package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_frames_parsed_total",
		Help: "Total number of BLE frames successfully decoded.",
	}, []string{"device_id", "kind"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_frames_dropped_total",
		Help: "Total number of malformed frames dropped.",
	}, []string{"device_id"})

	ImpactsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_impacts_emitted_total",
		Help: "Total number of impact events emitted by the detector.",
	}, []string{"sensor_id"})

	CorrelationsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_correlations_matched_total",
		Help: "Total number of impacts successfully correlated to a shot.",
	}, []string{"quality"})

	CorrelationsMissed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_correlations_missed_total",
		Help: "Total number of impact_only / timer_only finalizations.",
	}, []string{"kind"})

	PersistenceDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_persistence_degraded_total",
		Help: "Total number of events spilled to the NDJSON log after the persistence retry budget was exhausted.",
	}, []string{"table"})

	ConnectedDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_connected_devices",
		Help: "Whether a given device is currently connected (1) or not (0).",
	}, []string{"device_id"})

	SensorsCalibrated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_sensor_calibrated",
		Help: "Whether a given sensor's baseline is complete (1) or not (0).",
	}, []string{"sensor_id"})
)

// IncFrameParsed records a successfully decoded frame.
func IncFrameParsed(deviceID, kind string) {
	FramesParsed.WithLabelValues(deviceID, kind).Inc()
}

// IncFrameDropped records a malformed frame.
func IncFrameDropped(deviceID string) {
	FramesDropped.WithLabelValues(deviceID).Inc()
}

// IncImpact records an emitted impact.
func IncImpact(sensorID string) {
	ImpactsEmitted.WithLabelValues(sensorID).Inc()
}

// IncCorrelationMatched records a correlation with the given quality label.
func IncCorrelationMatched(quality string) {
	CorrelationsMatched.WithLabelValues(quality).Inc()
}

// IncCorrelationMissed records an impact_only or timer_only finalization.
func IncCorrelationMissed(kind string) {
	CorrelationsMissed.WithLabelValues(kind).Inc()
}

// IncPersistenceDegraded records a spill-to-NDJSON event.
func IncPersistenceDegraded(table string) {
	PersistenceDegraded.WithLabelValues(table).Inc()
}

// SetDeviceConnected records a device's connection state.
func SetDeviceConnected(deviceID string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectedDevices.WithLabelValues(deviceID).Set(v)
}

// SetSensorCalibrated records a sensor's calibration state.
func SetSensorCalibrated(sensorID string, calibrated bool) {
	v := 0.0
	if calibrated {
		v = 1.0
	}
	SensorsCalibrated.WithLabelValues(sensorID).Set(v)
}
