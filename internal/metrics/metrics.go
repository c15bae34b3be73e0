/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics provides Prometheus-compatible counters for the dataplane.

METRIC CATEGORIES:
==================
- Transfers: requests posted, completed, failed, bytes moved (per protocol)
- Buffers: sent, received, queued transfers, zero copy hand-offs
- Mailbox: round trips, timeouts
- Datagram: frames sent, retransmitted, duplicates, acks
- Endpoints: active endpoints, circuits

PROMETHEUS ENDPOINT:
====================
Metrics are exposed at /metrics in Prometheus text format.

EXAMPLE METRICS:
================

	dataplane_transfers_posted_total{protocol="ocpi-smb-pio"} 1024
	dataplane_buffers_sent_total 1024
	dataplane_datagram_retransmits_total 3
	dataplane_circuits_active 2
*/
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dataplane/internal/config"
	"dataplane/internal/logging"
)

// Metrics holds all dataplane counters.
type Metrics struct {
	// Buffer metrics
	BuffersSent     atomic.Uint64
	BuffersReceived atomic.Uint64
	BuffersZeroCopy atomic.Uint64
	TransfersQueued atomic.Uint64

	// Mailbox metrics
	MailboxRequests atomic.Uint64
	MailboxTimeouts atomic.Uint64

	// Datagram metrics
	FramesSent        atomic.Uint64
	FramesReceived    atomic.Uint64
	FramesDuplicate   atomic.Uint64
	FramesRetransmit  atomic.Uint64
	AcksSent          atomic.Uint64
	ConnectionsFailed atomic.Uint64

	// Poll latency of completed requests (microseconds)
	CompletionLatencySum   atomic.Uint64
	CompletionLatencyCount atomic.Uint64

	// Gauges
	ActiveEndpoints atomic.Int64
	ActiveCircuits  atomic.Int64

	protocols sync.Map // protocol -> *ProtocolMetrics
}

// ProtocolMetrics holds transfer counters for one driver.
type ProtocolMetrics struct {
	Posted    atomic.Uint64
	Completed atomic.Uint64
	Failed    atomic.Uint64
	Bytes     atomic.Uint64
}

var globalMetrics = &Metrics{}

// Get returns the global metrics instance.
func Get() *Metrics {
	return globalMetrics
}

// Protocol returns the counters for a driver protocol.
func (m *Metrics) Protocol(name string) *ProtocolMetrics {
	if pm, ok := m.protocols.Load(name); ok {
		return pm.(*ProtocolMetrics)
	}
	pm := &ProtocolMetrics{}
	actual, _ := m.protocols.LoadOrStore(name, pm)
	return actual.(*ProtocolMetrics)
}

// RecordPost records a posted transfer request of the given byte size.
func (m *Metrics) RecordPost(protocol string, bytes int) {
	pm := m.Protocol(protocol)
	pm.Posted.Add(1)
	pm.Bytes.Add(uint64(bytes))
}

// RecordCompletion records a completed transfer request.
func (m *Metrics) RecordCompletion(protocol string, latency time.Duration) {
	m.Protocol(protocol).Completed.Add(1)
	m.CompletionLatencySum.Add(uint64(latency.Microseconds()))
	m.CompletionLatencyCount.Add(1)
}

// RecordFailure records a failed transfer request.
func (m *Metrics) RecordFailure(protocol string) {
	m.Protocol(protocol).Failed.Add(1)
}

// AverageCompletionLatency returns the average completion latency in microseconds.
func (m *Metrics) AverageCompletionLatency() float64 {
	count := m.CompletionLatencyCount.Load()
	if count == 0 {
		return 0
	}
	return float64(m.CompletionLatencySum.Load()) / float64(count)
}

// Server provides an HTTP server for Prometheus metrics.
type Server struct {
	config  *config.MetricsConfig
	metrics *Metrics
	server  *http.Server
	extra   map[string]http.Handler
	logger  *logging.Logger
}

// NewServer creates a new metrics server for the global metrics.
func NewServer(cfg *config.MetricsConfig) *Server {
	return &Server{
		config:  cfg,
		metrics: Get(),
		logger:  logging.NewLogger("metrics"),
	}
}

// Handle serves h at pattern next to /metrics. It must be called before
// Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = h
}

// Start starts the metrics HTTP server.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	s.server = &http.Server{
		Addr:    s.config.Addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WriteText(w)
}

func writeMetric(w io.Writer, name, kind, help string, value interface{}) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// WriteText writes every metric in Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) {
	writeMetric(w, "dataplane_buffers_sent_total", "counter", "Output buffers handed to the transport", m.BuffersSent.Load())
	writeMetric(w, "dataplane_buffers_received_total", "counter", "Input buffers consumed", m.BuffersReceived.Load())
	writeMetric(w, "dataplane_buffers_zero_copy_total", "counter", "Buffers passed without a copy", m.BuffersZeroCopy.Load())
	writeMetric(w, "dataplane_transfers_queued_total", "counter", "Transfers deferred until an input buffer emptied", m.TransfersQueued.Load())

	writeMetric(w, "dataplane_mailbox_requests_total", "counter", "Mailbox round trips", m.MailboxRequests.Load())
	writeMetric(w, "dataplane_mailbox_timeouts_total", "counter", "Mailbox round trips that timed out", m.MailboxTimeouts.Load())

	writeMetric(w, "dataplane_datagram_frames_sent_total", "counter", "Datagram frames sent", m.FramesSent.Load())
	writeMetric(w, "dataplane_datagram_frames_received_total", "counter", "Datagram frames received", m.FramesReceived.Load())
	writeMetric(w, "dataplane_datagram_duplicates_total", "counter", "Duplicate datagram frames dropped", m.FramesDuplicate.Load())
	writeMetric(w, "dataplane_datagram_retransmits_total", "counter", "Datagram frames retransmitted", m.FramesRetransmit.Load())
	writeMetric(w, "dataplane_datagram_acks_sent_total", "counter", "Standalone ack frames sent", m.AcksSent.Load())
	writeMetric(w, "dataplane_connections_failed_total", "counter", "Connections failed after exhausting resends", m.ConnectionsFailed.Load())

	writeMetric(w, "dataplane_completion_latency_avg_microseconds", "gauge", "Average time from post to completion",
		fmt.Sprintf("%.2f", m.AverageCompletionLatency()))
	writeMetric(w, "dataplane_endpoints_active", "gauge", "Endpoints held by the transfer manager", m.ActiveEndpoints.Load())
	writeMetric(w, "dataplane_circuits_active", "gauge", "Circuits owned by the transport", m.ActiveCircuits.Load())

	var names []string
	m.protocols.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)

	perProtocol := []struct {
		name, help string
		value      func(*ProtocolMetrics) uint64
	}{
		{"dataplane_transfers_posted_total", "Transfer requests posted", func(p *ProtocolMetrics) uint64 { return p.Posted.Load() }},
		{"dataplane_transfers_completed_total", "Transfer requests completed", func(p *ProtocolMetrics) uint64 { return p.Completed.Load() }},
		{"dataplane_transfers_failed_total", "Transfer requests failed", func(p *ProtocolMetrics) uint64 { return p.Failed.Load() }},
		{"dataplane_transfer_bytes_total", "Bytes posted for transfer", func(p *ProtocolMetrics) uint64 { return p.Bytes.Load() }},
	}
	for _, pp := range perProtocol {
		fmt.Fprintf(w, "# HELP %s %s\n", pp.name, pp.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", pp.name)
		for _, n := range names {
			fmt.Fprintf(w, "%s{protocol=\"%s\"} %d\n", pp.name, n, pp.value(m.Protocol(n)))
		}
	}
}
