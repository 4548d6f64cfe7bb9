// Package security provides security middleware for the settlement API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// baseHeaders are attached to every response. The API serves JSON only,
// so the CSP forbids loading anything and framing entirely.
var baseHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"X-XSS-Protection":        "1; mode=block",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
}

// HeadersMiddleware adds security headers to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for name, value := range baseHeaders {
			c.Header(name, value)
		}
		c.Next()
	}
}

// CORSMiddleware answers CORS for browser clients. An empty allow list or
// a "*" entry admits any origin; Allow-Credentials is only set for named
// origins since wildcard plus credentials is forbidden by the CORS spec.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || wildcard || allowed[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
