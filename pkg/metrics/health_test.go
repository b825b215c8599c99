package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components = make(map[string]ComponentHealth)
	healthChecker.version = ""
}

func TestGetHealthAllHealthy(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("runtime", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["store"])
	assert.Equal(t, "healthy", health.Components["runtime"])
}

func TestGetHealthUnhealthyComponent(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("runtime", false, "engine build failed")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: engine build failed", health.Components["runtime"])
}

func TestGetReadinessWaitsForCriticalComponents(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["runtime"])
	assert.Equal(t, "not registered", readiness.Components["router"])
}

func TestGetReadinessAllCriticalReady(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("runtime", true, "")
	RegisterComponent("router", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	RegisterComponent("store", false, "db closed")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
}

func TestReadyHandlerNotReadyUntilCriticalsUp(t *testing.T) {
	resetHealth()

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	RegisterComponent("store", true, "")
	RegisterComponent("runtime", true, "")
	RegisterComponent("router", true, "")

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetVersionAppearsInHealth(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	RegisterComponent("store", true, "")

	health := GetHealth()
	assert.Equal(t, "1.2.3", health.Version)
}
