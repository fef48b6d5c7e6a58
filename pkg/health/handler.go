package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for health checks
type Handler struct {
	checker *HealthChecker
	service string
	version string
}

// NewHandler creates a new health check HTTP handler
func NewHandler(checker *HealthChecker, service, version string) *Handler {
	return &Handler{
		checker: checker,
		service: service,
		version: version,
	}
}

// RegisterRoutes mounts /health, /health/ready and /health/live on router
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/health/ready", h.Ready)
	router.GET("/health/live", h.Live)
}

// Health reports every check; ?detailed=true includes the individual results
func (h *Handler) Health(c *gin.Context) {
	report := h.checker.Check(c.Request.Context(), h.service, h.version)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Health-Check-Duration", report.Duration.String())

	if c.Query("detailed") == "true" {
		c.JSON(statusCode, report)
		return
	}
	c.JSON(statusCode, gin.H{
		"status":    report.Status,
		"timestamp": report.Timestamp,
		"version":   report.Version,
		"service":   report.Service,
		"summary":   report.Summary,
	})
}

// Ready succeeds when every critical check is healthy
func (h *Handler) Ready(c *gin.Context) {
	report := h.checker.Check(c.Request.Context(), h.service, h.version)

	statusCode := http.StatusOK
	status := "ready"
	if report.Critical {
		statusCode = http.StatusServiceUnavailable
		status = "not ready"
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(statusCode, gin.H{
		"status":    status,
		"ready":     !report.Critical,
		"timestamp": time.Now(),
		"service":   h.service,
		"version":   h.version,
	})
}

// Live always succeeds while the process serves requests
func (h *Handler) Live(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
		"service":   h.service,
		"version":   h.version,
	})
}
