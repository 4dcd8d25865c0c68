package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	return r
}

func get(r http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := HashAPIKey("sk-secret")
	require.NoError(t, err)
	r := newRouter(APIKeyAuth(hash))

	assert.Equal(t, http.StatusOK, get(r, "/ok", "Authorization", "Bearer sk-secret").Code)
	assert.Equal(t, http.StatusOK, get(r, "/ok", "Authorization", "bearer  sk-secret ").Code)

	cases := map[string]string{
		"missing":   "",
		"wrong key": "Bearer sk-other",
		"no scheme": "sk-secret",
		"basic":     "Basic sk-secret",
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			rec := get(r, "/ok", "Authorization", h)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"status":"error"`)
		})
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	r := newRouter(APIKeyAuth(""))
	assert.Equal(t, http.StatusOK, get(r, "/ok").Code)
}

func TestCORS(t *testing.T) {
	r := newRouter(CORS())
	r.OPTIONS("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/ok", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "*", get(r, "/ok").Header().Get("Access-Control-Allow-Origin"))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(Logger(zap.New(core)))

	get(r, "/ok")
	get(r, "/boom")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
	assert.Equal(t, int64(200), entries[0].ContextMap()["status"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
