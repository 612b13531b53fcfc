// Copyright 2025 AxonFlow
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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker loop's Prometheus collectors.
type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	claimErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawai_worker_jobs_total",
				Help: "Jobs processed by the worker loop, by worker class and outcome",
			},
			[]string{"worker", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lawai_worker_job_duration_milliseconds",
				Help:    "Job handling duration in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"worker"},
		),
		claimErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawai_worker_claim_errors_total",
				Help: "Failed claim attempts, by worker class",
			},
			[]string{"worker"},
		),
	}
	reg.MustRegister(m.jobsTotal, m.jobDuration, m.claimErrors)
	return m
}
