package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eniac111/proxyops/internal/metrics"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.SessionDialed("ok")
	m.CommandFinished("interactive", "success", time.Second)
	m.TaskStarted()
	m.TaskDone()
}

func TestRecorders(t *testing.T) {
	m := metrics.New()
	m.DeploymentFinished("deployed", time.Second)
	m.DeploymentFinished("error", 0)
	m.DeploymentFinished("deployed", 2*time.Second)

	expected := `
# HELP proxyops_deploy_deployments_total Deployment requests by final status
# TYPE proxyops_deploy_deployments_total counter
proxyops_deploy_deployments_total{status="deployed"} 2
proxyops_deploy_deployments_total{status="error"} 1
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "proxyops_deploy_deployments_total")
	require.NoError(t, err)
}

func TestHandlerServesExposition(t *testing.T) {
	m := metrics.New()
	m.SessionReused()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxyops_ssh_session_reuse_total 1")
}
