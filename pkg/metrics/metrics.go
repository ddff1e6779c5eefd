package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft role/term metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower/candidate)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_peers_total",
			Help: "Total number of Raft peers in the cluster (excluding self)",
		},
	)

	RaftLastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_last_log_index",
			Help: "Index of the last entry in the Raft log",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_applied_index",
			Help: "Index of the last entry applied to the state machine",
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_raft_elections_total",
			Help: "Total number of elections started by this node",
		},
	)

	// Replication metrics
	RaftAppendEntriesDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_append_entries_duration_seconds",
			Help:    "Time taken by a follower to handle one AppendEntries request",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftProposeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_propose_duration_seconds",
			Help:    "Time from Propose() to the entry being applied",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_apply_duration_seconds",
			Help:    "Time taken to apply one committed entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftSnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_raft_snapshots_total",
			Help: "Total number of snapshots taken",
		},
	)

	// Read path metrics
	ReadLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_kv_read_duration_seconds",
			Help:    "GET latency by consistency mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consistency"},
	)

	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_kv_reads_total",
			Help: "Total GETs by consistency mode and outcome",
		},
		[]string{"consistency", "outcome"},
	)

	LeaseValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_lease_valid",
			Help: "Whether this node currently holds a valid read lease (1 = valid)",
		},
	)

	// KV store metrics
	KVKeysTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_kv_keys_total",
			Help: "Total number of keys currently stored",
		},
	)

	KVEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_kv_evictions_total",
			Help: "Total number of keys evicted, by policy used",
		},
		[]string{"policy"},
	)

	KVDuplicateCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_kv_duplicate_commands_total",
			Help: "Total number of commands ignored because of client dedup",
		},
	)

	// Front-end metrics
	FrontEndRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_frontend_requests_total",
			Help: "Total number of front-end requests by method and status",
		},
		[]string{"method", "status"},
	)

	FrontEndRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_frontend_request_duration_seconds",
			Help:    "Front-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftPeersTotal,
		RaftLastLogIndex,
		RaftCommitIndex,
		RaftAppliedIndex,
		RaftElectionsTotal,
		RaftAppendEntriesDuration,
		RaftProposeDuration,
		RaftApplyDuration,
		RaftSnapshotsTotal,
		ReadLatency,
		ReadsTotal,
		LeaseValid,
		KVKeysTotal,
		KVEvictionsTotal,
		KVDuplicateCommandsTotal,
		FrontEndRequestsTotal,
		FrontEndRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
