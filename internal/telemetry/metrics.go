// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package telemetry defines the prometheus collectors of the engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conversation_engine"

type Metrics struct {
	registry *prometheus.Registry

	SessionTransitions  *prometheus.CounterVec
	ReconnectsScheduled prometheus.Counter
	ActiveSessions      prometheus.Gauge

	BatcherFlushes       *prometheus.CounterVec
	BatcherEventsFlushed prometheus.Counter
	BatcherEventsDropped prometheus.Counter

	GatewayRejections *prometheus.CounterVec
	ConnectedClients  prometheus.Gauge

	ImportBatches *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnections scheduled after a recoverable disconnect.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Supervisors currently registered.",
		}),
		BatcherFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batcher_flushes_total",
			Help:      "Batch flushes by trigger.",
		}, []string{"trigger"}),
		BatcherEventsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batcher_events_flushed_total",
			Help:      "Queued events delivered to rooms.",
		}),
		BatcherEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batcher_events_dropped_total",
			Help:      "Queued events discarded after exceeding their TTL.",
		}),
		GatewayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_rejections_total",
			Help:      "Refused dashboard connections by reason.",
		}, []string{"reason"}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected_clients",
			Help:      "Dashboard clients currently connected.",
		}),
		ImportBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_batches_total",
			Help:      "History import batches by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.SessionTransitions,
		m.ReconnectsScheduled,
		m.ActiveSessions,
		m.BatcherFlushes,
		m.BatcherEventsFlushed,
		m.BatcherEventsDropped,
		m.GatewayRejections,
		m.ConnectedClients,
		m.ImportBatches,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The recording helpers below accept a nil receiver so components can run
// without metrics in tests.

func (m *Metrics) SessionTransition(state string) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m != nil {
		m.ReconnectsScheduled.Inc()
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

func (m *Metrics) BatchFlushed(trigger string, events int) {
	if m != nil {
		m.BatcherFlushes.WithLabelValues(trigger).Inc()
		m.BatcherEventsFlushed.Add(float64(events))
	}
}

func (m *Metrics) EventsDropped(n int) {
	if m != nil && n > 0 {
		m.BatcherEventsDropped.Add(float64(n))
	}
}

func (m *Metrics) GatewayRejected(reason string) {
	if m != nil {
		m.GatewayRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.ConnectedClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.ConnectedClients.Dec()
	}
}

func (m *Metrics) ImportBatch(result string) {
	if m != nil {
		m.ImportBatches.WithLabelValues(result).Inc()
	}
}
