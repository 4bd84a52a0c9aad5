// Package observability provides structured logging and Prometheus metrics
// for the realtime engine.
package observability
