package zmsg

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

var (
	framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "frames_received_total",
		Help:      "Frames decoded by connection readers, by action.",
	}, []string{"action"})
	framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "frames_sent_total",
		Help:      "Frames written by connections, by action.",
	}, []string{"action"})
	bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "bytes_received_total",
		Help:      "Bytes read from broker sockets.",
	})
	bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to broker sockets.",
	})
	keepalives = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "keepalives_total",
		Help:      "Keepalive subframes, by direction and kind.",
	}, []string{"direction", "kind"})
	pendingActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zmsg",
		Name:      "pending_actions",
		Help:      "Actions waiting for a reply across all connections.",
	})
	droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "dropped_frames_total",
		Help:      "Inbound frames that matched no action or consumer.",
	}, []string{"reason"})
	consumerSuspends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "consumer_suspends_total",
		Help:      "Deliveries that suspended a consumer.",
	})
	consumerResumes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "consumer_resumes_total",
		Help:      "Resume requests sent to the broker.",
	})
	teardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zmsg",
		Name:      "connection_teardowns_total",
		Help:      "Connection teardowns, by error kind.",
	}, []string{"kind"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		framesIn, framesOut, bytesIn, bytesOut, keepalives,
		pendingActions, droppedFrames, consumerSuspends, consumerResumes, teardowns,
	}
}

func RegisterMetrics(reg prometheus.Registerer) (err error) {
	for _, c := range collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return
}
