package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSConfig controls the optional cross-origin header injector at the head
// of every assembled chain.
type CORSConfig struct {
	AllowedOrigins []string
}

func (cfg *CORSConfig) allowAll() bool {
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (cfg *CORSConfig) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// corsMiddleware injects CORS headers and short-circuits preflight requests.
func corsMiddleware(cfg *CORSConfig) gin.HandlerFunc {
	allowAll := cfg.allowAll()
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll || cfg.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
