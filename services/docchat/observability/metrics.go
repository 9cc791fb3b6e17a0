// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the document chat
// service.
//
// # Description
//
// Covers the full lifecycle of a streamed answer: request counts, active
// stream gauge, time to first chunk, stream duration, relayed chunk and
// persisted message counters, and categorized errors.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Initialize once at startup
// with InitMetrics().
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "docchat"

// Subsystem for streaming metrics
const streamingSubsystem = "stream"

// StreamMetrics holds all Prometheus metrics for document chat streaming.
//
// # Fields
//
//   - RequestsTotal: Counter of requests by endpoint and status
//   - TimeToFirstChunkSeconds: Histogram of latency to the first relayed chunk
//   - StreamDurationSeconds: Histogram of total stream duration
//   - ActiveStreams: Gauge of currently open streams
//   - ChunksRelayedTotal: Counter of chunks forwarded to clients
//   - MessagesPersistedTotal: Counter of messages written to storage by role
//   - ErrorsTotal: Counter of errors by endpoint and error code
//   - KeepAlivesTotal: Counter of keepalive pings
//   - ClientDisconnectsTotal: Counter of mid-stream client disconnects
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint (doc_stream, messages), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency from request to first
	// relayed chunk. Labels: endpoint
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ChunksRelayedTotal counts decoded chunks forwarded to clients.
	// Labels: endpoint
	ChunksRelayedTotal *prometheus.CounterVec

	// MessagesPersistedTotal counts conversation messages written to
	// storage. Labels: role (user, assistant)
	MessagesPersistedTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by endpoint and code.
	// Labels: endpoint, error_code (chat_not_found, retrieval_error, ...)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamMetrics

// InitMetrics creates and registers all Prometheus metrics.
//
// # Description
//
// Call once at application startup. Panics if called twice (duplicate
// registration against the default registry).
func InitMetrics() *StreamMetrics {
	DefaultMetrics = &StreamMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first relayed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
			[]string{"endpoint"},
		),

		ChunksRelayedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "chunks_relayed_total",
				Help:      "Total decoded chunks forwarded to clients",
			},
			[]string{"endpoint"},
		),

		MessagesPersistedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "messages_persisted_total",
				Help:      "Total conversation messages written to storage by role",
			},
			[]string{"role"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeChatNotFound indicates the chat id resolved to no single record.
	ErrorCodeChatNotFound ErrorCode = "chat_not_found"

	// ErrorCodeRetrieval indicates document context retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeLLMError indicates a model API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeStorage indicates a conversation store failure.
	ErrorCodeStorage ErrorCode = "storage_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents an API endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointDocStream is the document chat streaming endpoint.
	EndpointDocStream Endpoint = "doc_stream"

	// EndpointMessages is the conversation read-back endpoint.
	EndpointMessages Endpoint = "messages"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
func (m *StreamMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a categorized error.
func (m *StreamMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstChunk records latency from request to first chunk.
func (m *StreamMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordChunksRelayed adds to the relayed chunk counter.
func (m *StreamMetrics) RecordChunksRelayed(endpoint Endpoint, n int) {
	m.ChunksRelayedTotal.WithLabelValues(string(endpoint)).Add(float64(n))
}

// RecordMessagePersisted increments the persisted message counter.
func (m *StreamMetrics) RecordMessagePersisted(role string, n int) {
	m.MessagesPersistedTotal.WithLabelValues(role).Add(float64(n))
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
