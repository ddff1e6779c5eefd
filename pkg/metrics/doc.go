/*
Package metrics provides Prometheus metrics collection and exposition for Warren's
Raft core and KV store.

Metrics are registered at package init with prometheus.MustRegister and exposed
via Handler() for scraping. They cover Raft role/term/index tracking, replication
and read-path latency, and KV store size/eviction counters. Role, term, peer count,
log indices and lease validity are polled from a StatusProvider (implemented by
raft.Node) by the Collector goroutine; latency histograms and the KV store, read
and front-end counters are updated directly by the raft, kvstore and frontend
packages.
*/
package metrics
