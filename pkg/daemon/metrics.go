package daemon

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the daemon's Prometheus wiring: events_lost_total,
// corrupted_subbuffers_total, bytes_written_total, overruns_total, and
// io_failures_total, each labeled by channel name since the daemon tracks
// many channels at once.
type Metrics struct {
	EventsLost          *prometheus.CounterVec
	CorruptedSubbuffers *prometheus.CounterVec
	BytesWritten        *prometheus.CounterVec
	Overruns            *prometheus.CounterVec
	IOFailures          *prometheus.CounterVec
}

// NewMetrics registers the daemon's metric vectors against reg. A
// registration failure is fatal at daemon startup, since registration only
// runs once before the poll loop begins.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringtrace",
			Subsystem: "daemon",
			Name:      "events_lost_total",
			Help:      "Events dropped on the writer fast path (TransientFull, Oversize, ClockFault).",
		}, []string{"channel"}),
		CorruptedSubbuffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringtrace",
			Subsystem: "daemon",
			Name:      "corrupted_subbuffers_total",
			Help:      "Sub-buffers whose previous generation was overwritten before every writer committed.",
		}, []string{"channel"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringtrace",
			Subsystem: "daemon",
			Name:      "bytes_written_total",
			Help:      "Bytes written to the primary trace file.",
		}, []string{"channel"}),
		Overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringtrace",
			Subsystem: "daemon",
			Name:      "overruns_total",
			Help:      "PutSubbuf calls that reported an overrun (EIO).",
		}, []string{"channel"}),
		IOFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringtrace",
			Subsystem: "daemon",
			Name:      "io_failures_total",
			Help:      "Trace file write failures.",
		}, []string{"channel"}),
	}

	collectors := []prometheus.Collector{m.EventsLost, m.CorruptedSubbuffers, m.BytesWritten, m.Overruns, m.IOFailures}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
