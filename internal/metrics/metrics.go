// Package metrics defines the Prometheus collectors exported by the eventsync
// server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Key constants are exported primarily for documentation reasons.
const (
	ConnectionsKey               = "eventsync_connections"
	ActorsKey                    = "eventsync_actors"
	FramesReceivedTotalKey       = "eventsync_frames_received_total"
	FramesSentTotalKey           = "eventsync_frames_sent_total"
	EntriesWrittenTotalKey       = "eventsync_entries_written_total"
	ChunksReassembledTotalKey    = "eventsync_chunks_reassembled_total"
	ChunksDiscardedTotalKey      = "eventsync_chunks_discarded_total"
	StorageErrorsTotalKey        = "eventsync_storage_errors_total"
	ProtocolErrorsTotalKey       = "eventsync_protocol_errors_total"
	WriteBatchDurationSecondsKey = "eventsync_write_batch_duration_seconds"
)

// Collectors for the sync server.
var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ConnectionsKey,
		Help: "Number of open replication connections.",
	})
	Actors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ActorsKey,
		Help: "Number of session actors by state.",
	}, []string{"state"})
	FramesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramesReceivedTotalKey,
		Help: "Cumulative number of decoded inbound frames by message kind.",
	}, []string{"kind"})
	FramesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: FramesSentTotalKey,
		Help: "Cumulative number of frames written to connections.",
	})
	EntriesWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: EntriesWrittenTotalKey,
		Help: "Cumulative number of entries newly appended to the log.",
	})
	ChunksReassembledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ChunksReassembledTotalKey,
		Help: "Cumulative number of chunked transfers joined into a message.",
	})
	ChunksDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ChunksDiscardedTotalKey,
		Help: "Cumulative number of chunked transfers dropped before completing.",
	})
	StorageErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: StorageErrorsTotalKey,
		Help: "Cumulative number of failed storage operations.",
	})
	ProtocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ProtocolErrorsTotalKey,
		Help: "Cumulative number of connections closed for protocol violations.",
	})
	WriteBatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    WriteBatchDurationSecondsKey,
		Help:    "Latency of persisting one WriteEntries batch.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// Actor states for the Actors gauge.
const (
	ActorStateActive = "active"
	ActorStateIdle   = "idle"
)

// Collectors returns every eventsync collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Connections,
		Actors,
		FramesReceivedTotal,
		FramesSentTotal,
		EntriesWrittenTotal,
		ChunksReassembledTotal,
		ChunksDiscardedTotal,
		StorageErrorsTotal,
		ProtocolErrorsTotal,
		WriteBatchDurationSeconds,
	}
}

// NewRegistry returns a registry holding the eventsync collectors plus the
// Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
