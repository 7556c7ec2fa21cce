package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpops/teststudio/pkg/config"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr with port", "", "10.0.0.1:54321", "10.0.0.1"},
		{"remote addr without port", "", "10.0.0.1", "10.0.0.1"},
		{"single forwarded hop", "203.0.113.7", "10.0.0.1:54321", "203.0.113.7"},
		{"first of forwarded chain", "203.0.113.7, 10.0.0.2", "10.0.0.1:54321", "203.0.113.7"},
		{"forwarded hop with spaces", " 203.0.113.7 , 10.0.0.2", "10.0.0.1:54321", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	s := &server{log: log, done: done}

	handler := s.rateLimitMiddleware(
		config.RateLimitTier{RequestsPerMinute: 2},
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		return rec.Code
	}

	// Burst of two per client, then throttled.
	require.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1000"))

	// Limits are per IP, so another client is unaffected.
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"))
}
