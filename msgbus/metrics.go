package msgbus

import "github.com/prometheus/client_golang/prometheus"

// metrics counts bus traffic through the node. Scan drops are counted
// separately from decode failures: a drop is a scan with no usable pose,
// a decode failure is a malformed message.
type metrics struct {
	scansReceived   prometheus.Counter
	scansDropped    prometheus.Counter
	posesReceived   prometheus.Counter
	decodeFailures  *prometheus.CounterVec
	saveRequests    prometheus.Counter
	saveFailures    prometheus.Counter
	meshesPublished prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		scansReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "scans_received_total",
			Help:      "Scan messages received from the scan topic",
		}),
		scansDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "scans_dropped_total",
			Help:      "Scans dropped because no pose was available within tolerance",
		}),
		posesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "poses_received_total",
			Help:      "Pose messages received from the pose topic",
		}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "decode_failures_total",
			Help:      "Messages that could not be decoded",
		}, []string{"type"}),
		saveRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "save_requests_total",
			Help:      "Export requests received on the save subject",
		}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "save_failures_total",
			Help:      "Export requests that failed",
		}),
		meshesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsdf",
			Subsystem: "bus",
			Name:      "meshes_published_total",
			Help:      "Extracted meshes published to the mesh topic",
		}),
	}
	reg.MustRegister(
		m.scansReceived,
		m.scansDropped,
		m.posesReceived,
		m.decodeFailures,
		m.saveRequests,
		m.saveFailures,
		m.meshesPublished,
	)
	return m
}
