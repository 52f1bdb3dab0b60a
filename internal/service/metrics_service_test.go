package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceExposesCounters(t *testing.T) {
	svc := NewMetricsService()

	svc.ObserveHTTPRequest(http.MethodPost, "/api/auth/login", http.StatusOK, 25*time.Millisecond)
	svc.CountAuthOperation("login", "success")
	svc.CountAuthOperation("refresh", "failure")
	svc.CountPurgedTokens(7)
	svc.CountPurgedTokens(0)
	svc.RotationStarted()
	svc.RotationFinished()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	svc.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `http_requests_total{method="POST",path="/api/auth/login",status="200"} 1`)
	assert.Contains(t, body, `auth_operations_total{operation="login",outcome="success"} 1`)
	assert.Contains(t, body, "refresh_tokens_purged_total 7")
	assert.Contains(t, body, "refresh_rotations_in_flight 0")
}

func TestMetricsServiceRegistriesAreIndependent(t *testing.T) {
	// Two instances must not trip duplicate registration panics.
	a := NewMetricsService()
	b := NewMetricsService()
	a.CountAuthOperation("login", "success")
	b.CountAuthOperation("login", "success")
}
