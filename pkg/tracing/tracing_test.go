package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestService_Disabled(t *testing.T) {
	s, err := NewService(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, s.Enabled())
	assert.NoError(t, s.Shutdown(context.Background()))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(s.GinMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_ExportsOverOTLP(t *testing.T) {
	var hits atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = strings.TrimPrefix(collector.URL, "http://")
	cfg.ExportTimeout = 2 * time.Second

	s, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, s.Enabled())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(s.GinMiddleware())
	var traced bool
	router.GET("/items/:id", func(c *gin.Context) {
		traced = trace.SpanFromContext(c.Request.Context()).SpanContext().IsValid()
		c.Status(http.StatusNoContent)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/1", nil))
	assert.True(t, traced)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.EqualValues(t, 1, hits.Load())
}
