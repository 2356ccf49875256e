// Copyright 2025 Kadir Pekel
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

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	contentTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "model_content_tokens_total",
		Help:      "Content tokens (whitespace words) streamed per model.",
	}, []string{"model"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quorum",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each deliberation stage.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	deliberationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorum",
		Name:      "deliberations_in_flight",
		Help:      "Deliberations currently running.",
	})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quorum",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	titleJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorum",
		Name:      "title_jobs_total",
		Help:      "Title generation jobs by outcome.",
	}, []string{"outcome"})
)

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, seconds float64) {
	httpRequestDuration.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Observe(seconds)
}

// ObserveStageDuration records the wall-clock duration of one stage.
func ObserveStageDuration(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

// DeliberationStarted increments the in-flight gauge.
func DeliberationStarted() {
	deliberationsInFlight.Inc()
}

// DeliberationFinished decrements the in-flight gauge.
func DeliberationFinished() {
	deliberationsInFlight.Dec()
}

// TitleJobFinished counts a completed title job. Outcome is "complete" or
// "error".
func TitleJobFinished(outcome string) {
	titleJobsTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
