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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ExposesJobMetrics(t *testing.T) {
	p, err := New("test")
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.Collector().RecordJob(context.Background(), "DONE", 1500*time.Millisecond, 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "smartjobs_job_duration_seconds")
	assert.Contains(t, string(body), "smartjobs_actions_total")
	assert.Contains(t, string(body), `state="DONE"`)
}

func TestProvider_NewTwice(t *testing.T) {
	for range 2 {
		p, err := New("test")
		require.NoError(t, err)
		assert.NotNil(t, p.Tracer("x"))
		require.NoError(t, p.Shutdown(context.Background()))
	}
}
