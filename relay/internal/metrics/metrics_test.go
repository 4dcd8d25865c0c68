package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AgentConnected(true)
	m.TaskResolved("COMPLETED", time.Second, 2)
	m.CacheLookup(true)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectors(t *testing.T) {
	m := New()
	m.AgentConnected(true)
	m.AgentConnected(false)
	m.AgentConnected(true)
	m.TaskResolved("COMPLETED", 3*time.Second, 2)
	m.TaskResolved("TIMED_OUT", 90*time.Second, 0)
	m.CacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.agentSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("COMPLETED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.images))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "drawrelay_tasks_total"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/api/v1/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/v1/health", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/v1/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", "4xx")))
}
