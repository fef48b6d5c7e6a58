package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// requestIDKey is the gin context key holding the request ID
const requestIDKey = "request_id"

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(header)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header(header, requestID)
		c.Set(requestIDKey, requestID)
		c.Next()
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware(config *Config) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     config.CORSAllowedMethods,
		AllowHeaders:     config.CORSAllowedHeaders,
		ExposeHeaders:    []string{config.RequestIDHdr},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}
	for _, origin := range config.CORSAllowedOrigins {
		if origin == "*" {
			corsConfig.AllowOriginFunc = func(string) bool { return true }
			break
		}
	}
	if corsConfig.AllowOriginFunc == nil {
		corsConfig.AllowOrigins = config.CORSAllowedOrigins
	}
	return cors.New(corsConfig)
}

// RateLimitMiddleware implements rate limiting
func RateLimitMiddleware(config *Config) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// AdminTokenMiddleware requires the configured admin token on every request.
// The OAuth callback is exempt since the browser arrives from the provider.
func AdminTokenMiddleware(config *Config) gin.HandlerFunc {
	expected := []byte(config.AdminToken)
	callback := config.APIPrefix + "/providers/:provider/callback"

	return func(c *gin.Context) {
		if len(expected) == 0 || c.FullPath() == callback {
			c.Next()
			return
		}

		token := c.GetHeader(config.AdminTokenHdr)
		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

// MaxRequestSizeMiddleware limits request body size
func MaxRequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request too large"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
