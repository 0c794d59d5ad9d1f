// Package api serves a read-only HTTP view of the running session: its state,
// the discovered pages, and Prometheus metrics. It is meant for local
// monitoring while a crawl runs and never starts or cancels jobs.
package api
