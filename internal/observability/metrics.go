// Package observability holds tracing setup and domain-level Prometheus
// collectors. HTTP transport metrics live in the middleware package; the
// collectors here are incremented by the services that produce the events.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// StreamTokens counts tokens emitted to chat clients.
	StreamTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_stream_tokens_total",
		Help: "Total number of tokens emitted across all chat streams.",
	})

	// StreamsInflight gauges concurrently running chat streams.
	StreamsInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_streams_inflight",
		Help: "Current number of in-flight chat streams.",
	})

	// StreamOutcomes counts finished streams by how they ended.
	StreamOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_streams_total",
		Help: "Total number of finished chat streams by outcome.",
	}, []string{"outcome"}) // completed|timeout|disconnected|failed

	// IngestedFiles counts files leaving the ingestion pipeline by terminal
	// status.
	IngestedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_files_total",
		Help: "Total number of processed knowledge files by terminal status.",
	}, []string{"status"}) // completed|failed

	// IngestedChunks counts chunks written to the vector store.
	IngestedChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunks_total",
		Help: "Total number of chunks embedded and upserted.",
	})
)

func init() {
	prometheus.MustRegister(StreamTokens, StreamsInflight, StreamOutcomes, IngestedFiles, IngestedChunks)
}
