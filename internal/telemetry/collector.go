// Copyright 2025 Tom Barlow
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

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records per-job metrics through an OpenTelemetry meter.
type Collector struct {
	jobDuration  metric.Float64Histogram
	actionsTotal metric.Int64Counter
}

// NewCollector creates the instruments on the given meter provider.
func NewCollector(mp metric.MeterProvider) (*Collector, error) {
	meter := mp.Meter("smartjobs")

	c := &Collector{}
	var err error

	c.jobDuration, err = meter.Float64Histogram(
		"smartjobs_job_duration_seconds",
		metric.WithDescription("Time from submission to a terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.actionsTotal, err = meter.Int64Counter(
		"smartjobs_actions_total",
		metric.WithDescription("Actions of finished jobs, by job state"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RecordJob records a job that reached state after d with the given number
// of actions.
func (c *Collector) RecordJob(ctx context.Context, state string, d time.Duration, actions int) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	c.jobDuration.Record(ctx, d.Seconds(), attrs)
	c.actionsTotal.Add(ctx, int64(actions), attrs)
}
