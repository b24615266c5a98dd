package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// counters for the delta pipeline
// a hub always has metrics. Unregistered metrics are still counted but not exported.
type Metrics struct {
	Sessions             *prometheus.GaugeVec
	DeltasPublished      prometheus.Counter
	FramesDelivered      prometheus.Counter
	AuxFramesDelivered   prometheus.Counter
	BackpressureEntered  prometheus.Counter
	BackpressureFlushes  prometheus.Counter
	OverflowTerminations prometheus.Counter
	AuthTerminations     prometheus.Counter
	PutRequests          *prometheus.CounterVec
	InboundParseErrors   prometheus.Counter
	LogLinesDropped      prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deltahub",
			Name:      "sessions",
			Help:      "Connected sessions by mode",
		}, []string{"mode"}),
		DeltasPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "deltas_published_total",
			Help:      "Deltas dispatched to the fan-out pipeline",
		}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "frames_delivered_total",
			Help:      "Delta and meta frames written to session transports",
		}),
		AuxFramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "aux_frames_delivered_total",
			Help:      "Auxiliary frames written to session transports",
		}),
		BackpressureEntered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "backpressure_entered_total",
			Help:      "Times a session entered backpressure",
		}),
		BackpressureFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "backpressure_flushes_total",
			Help:      "Coalesced accumulator flushes",
		}),
		OverflowTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "overflow_terminations_total",
			Help:      "Sessions ended by the outgoing buffer overflow guard",
		}),
		AuthTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "auth_terminations_total",
			Help:      "Sessions ended because verification failed",
		}),
		PutRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "put_requests_total",
			Help:      "Completed put and delete requests by status",
		}, []string{"status"}),
		InboundParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "inbound_parse_errors_total",
			Help:      "Inbound frames dropped because they could not be parsed",
		}),
		LogLinesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deltahub",
			Name:      "log_lines_dropped_total",
			Help:      "Log lines not broadcast because the log channel was full",
		}),
	}
}

func (self *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		self.Sessions,
		self.DeltasPublished,
		self.FramesDelivered,
		self.AuxFramesDelivered,
		self.BackpressureEntered,
		self.BackpressureFlushes,
		self.OverflowTerminations,
		self.AuthTerminations,
		self.PutRequests,
		self.InboundParseErrors,
		self.LogLinesDropped,
	}
}

func (self *Metrics) Register(registerer prometheus.Registerer) error {
	for _, collector := range self.collectors() {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
