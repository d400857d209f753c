package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"deskbridge/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", mw, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router *gin.Engine, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestConnectionRateLimitBoundsPerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.ConnectionsPerMinute = 3

	router := newLimitedRouter(NewConnectionRateLimitMiddleware(cfg))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000"))
	}
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:5000"))

	// Another IP has its own bucket.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:5000"))
}

func TestConnectionRateLimitDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.ConnectionsPerMinute = 1

	router := newLimitedRouter(NewConnectionRateLimitMiddleware(cfg))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000"))
	}
}
