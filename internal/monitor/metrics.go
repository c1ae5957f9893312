// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor exposes the node's prometheus metrics.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetfs/fleetfs/internal/logger"
)

var (
	// RequestsTotal counts served protocol requests by tag and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetfs_requests_total",
		Help: "Protocol requests served, by request tag and error code.",
	}, []string{"tag", "code"})

	// RaftMessages counts consensus messages moved between replicas.
	RaftMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetfs_raft_messages_total",
		Help: "Raft messages sent and received, by direction.",
	}, []string{"direction"})

	// ApplySeconds observes state machine apply latency.
	ApplySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetfs_apply_seconds",
		Help:    "Latency of applying one committed entry.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

// Serve exposes /metrics on addr until the process exits. Call from its own
// goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics listener on %s: %v", addr, err)
	}
}
