package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health reports liveness, including a database ping. Load balancers
// treat anything but 200 as out of rotation.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "connected",
		"version":  s.version,
	})
}

// Version reports the build version and process uptime.
func (s *Server) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     s.version,
		"uptime_s":    int64(time.Since(s.started).Seconds()),
		"server_time": time.Now().UTC(),
	})
}
