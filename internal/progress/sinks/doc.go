// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and durable run history.
package sinks
