// Package sinks implements progress consumers: a zap log sink for
// troubleshooting and a Prometheus sink backing the metrics endpoint.
package sinks
