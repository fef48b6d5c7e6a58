package logger

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPLogConfig configures HTTP logging behavior
type HTTPLogConfig struct {
	// SkipPaths contains paths to skip logging (e.g., health checks)
	SkipPaths []string
	// LogHeaders enables logging of request headers
	LogHeaders bool
	// SanitizeHeaders contains headers whose values are redacted
	SanitizeHeaders []string
}

// DefaultHTTPLogConfig returns the default HTTP logging configuration
func DefaultHTTPLogConfig() *HTTPLogConfig {
	return &HTTPLogConfig{
		SkipPaths: []string{"/health"},
		SanitizeHeaders: []string{
			"authorization", "x-api-key", "cookie", "set-cookie",
			"x-auth-token", "x-csrf-token",
		},
	}
}

// GinMiddleware logs each request with zap
func GinMiddleware(l *zap.Logger, config *HTTPLogConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultHTTPLogConfig()
	}
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("size", c.Writer.Size()),
		}
		if config.LogHeaders {
			fields = append(fields, zap.Any("headers", sanitizeHeaders(c.Request.Header, config.SanitizeHeaders)))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			l.Error("request failed", fields...)
		case status >= 400:
			l.Warn("request rejected", fields...)
		default:
			l.Debug("request completed", fields...)
		}
	}
}

func sanitizeHeaders(headers map[string][]string, sensitive []string) map[string]string {
	redact := make(map[string]bool, len(sensitive))
	for _, h := range sensitive {
		redact[strings.ToLower(h)] = true
	}

	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if redact[strings.ToLower(name)] {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
