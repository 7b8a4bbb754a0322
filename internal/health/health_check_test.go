package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubSafeMode bool

func (s stubSafeMode) InSafeMode() bool { return bool(s) }

func probe(t *testing.T, h http.HandlerFunc) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return rec.Code, status
}

func TestLiveness(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil, zap.NewNop())
	code, status := probe(t, hc.LivenessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", status.Status)
}

func TestReadiness_Healthy(t *testing.T) {
	hc := NewHealthChecker(stubPinger{}, nil, stubSafeMode(true), zap.NewNop())
	code, status := probe(t, hc.ReadinessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", status.Status)
	assert.True(t, status.SafeMode)
	assert.Equal(t, "healthy", status.Checks["edit_log"])
	assert.Equal(t, "on", status.Checks["safe_mode"])
}

func TestReadiness_EditLogDown(t *testing.T) {
	hc := NewHealthChecker(stubPinger{err: errors.New("disk gone")}, stubPinger{}, stubSafeMode(false), zap.NewNop())
	code, status := probe(t, hc.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Checks["edit_log"], "disk gone")
	assert.Equal(t, "healthy", status.Checks["retry_cache"])
}
