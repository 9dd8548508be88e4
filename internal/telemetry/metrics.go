/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the playback sync service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_api_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency in seconds.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listenroom_api_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_api_active_connections",
		Help: "In-flight HTTP requests.",
	})

	// APIWebSocketConnections gauges open state-stream connections.
	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_api_websocket_connections",
		Help: "Open WebSocket state streams.",
	})

	// SyncEventsPublished counts sync events published by local actions.
	SyncEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_sync_events_published_total",
		Help: "Sync events published, by event type.",
	}, []string{"type"})

	// SyncEventsReceived counts foreign sync events accepted and applied.
	SyncEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listenroom_sync_events_received_total",
		Help: "Foreign sync events applied, by event type.",
	}, []string{"type"})

	// SyncEventsSuppressed counts self-echo events discarded.
	SyncEventsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listenroom_sync_events_suppressed_total",
		Help: "Own events received back and discarded.",
	})

	// DesyncedSessions gauges sessions currently inside a desync window.
	DesyncedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_desynced_sessions",
		Help: "Sessions currently showing a syncing indicator.",
	})

	// ActiveSessions gauges live reconciler sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listenroom_active_sessions",
		Help: "Live playback sessions.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
