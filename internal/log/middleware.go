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

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps an HTTP handler with request logging.
// Successful requests are logged at debug, failures (status >= 500) at error.
type HTTPMiddleware struct {
	logger *slog.Logger
}

// NewHTTPMiddleware creates a new HTTP logging middleware.
func NewHTTPMiddleware(logger *slog.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{
		logger: OrDefault(logger),
	}
}

// Wrap returns next decorated with request logging.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []any{
			"event", "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			DurationKey, time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		}

		level := slog.LevelDebug
		message := "http request completed"
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
			message = "http request failed"
		}

		m.logger.Log(r.Context(), level, message, attrs...)
	})
}
