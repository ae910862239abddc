/*
Package metrics exposes Prometheus counters, gauges and histograms for the
scheduler: iteration counts and runtimes, solver latency, task placement
activity and flow graph size. Serve starts a /metrics endpoint.
*/
package metrics
