package serve

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus exposition of this server's request and
// scheduling counters, the live-service generalization of sim/metrics.go's
// end-of-run Metrics struct: CompletedRequests/TotalOutputTokens/
// TotalLatency/KVBlocksUsed/PeakKVBlocksUsed/TTFTSum/TPOTSum each become a
// running collector instead of an accumulate-then-Print summary, scraped
// at /metrics rather than printed once at simulation end.
type Metrics struct {
	CompletedRequests prometheus.Counter
	RejectedRequests  prometheus.Counter
	PreemptionCount   prometheus.Counter
	OutputTokens      prometheus.Counter

	RequestLatency prometheus.Histogram
	TTFT           prometheus.Histogram
	TPOT           prometheus.Histogram

	QueueDepth    prometheus.Gauge
	BatchSize     prometheus.Gauge
	KVUtilization prometheus.Gauge
}

// NewMetrics registers every collector against reg and returns the
// handle the engine's step loop and serve pipeline update.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompletedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmind", Name: "completed_requests_total",
			Help: "Total number of requests that reached a terminal finish reason.",
		}),
		RejectedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmind", Name: "rejected_requests_total",
			Help: "Total number of requests rejected at admission or for lack of KV capacity.",
		}),
		PreemptionCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmind", Name: "preemptions_total",
			Help: "Total number of sequences preempted to free KV pages.",
		}),
		OutputTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localmind", Name: "output_tokens_total",
			Help: "Total number of tokens generated across all requests.",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localmind", Name: "request_latency_seconds",
			Help:    "End-to-end request latency, arrival to terminal chunk.",
			Buckets: prometheus.DefBuckets,
		}),
		TTFT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localmind", Name: "time_to_first_token_seconds",
			Help:    "Time from arrival to first emitted token.",
			Buckets: prometheus.DefBuckets,
		}),
		TPOT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localmind", Name: "time_per_output_token_seconds",
			Help:    "Average time between successive output tokens.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmind", Name: "wait_queue_depth",
			Help: "Number of sequences currently waiting for admission into a batch.",
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmind", Name: "running_batch_size",
			Help: "Number of sequences in the current running batch.",
		}),
		KVUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localmind", Name: "kv_page_utilization_ratio",
			Help: "Fraction of KV cache pages currently allocated, 0-1.",
		}),
	}
	reg.MustRegister(
		m.CompletedRequests, m.RejectedRequests, m.PreemptionCount, m.OutputTokens,
		m.RequestLatency, m.TTFT, m.TPOT,
		m.QueueDepth, m.BatchSize, m.KVUtilization,
	)
	return m
}
