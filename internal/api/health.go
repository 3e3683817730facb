package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ki2api/kiro-gateway/internal/api/middleware"
)

// Health statuses for the /health endpoint.
const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

// healthStatus derives the overall status from credential availability.
func healthStatus(total, available int) string {
	switch {
	case available == 0:
		return healthUnhealthy
	case available < (total+1)/2:
		return healthDegraded
	default:
		return healthHealthy
	}
}

// handleHealth serves GET /health. An unhealthy gateway answers 503 so load
// balancers stop routing to it.
func (s *Server) handleHealth(c *gin.Context) {
	total, available := s.pools.Totals()
	status := healthStatus(total, available)

	pools := make([]gin.H, 0)
	for _, snap := range s.pools.Snapshots() {
		pools = append(pools, gin.H{
			"id":        snap.Pool.ID,
			"name":      snap.Pool.Name,
			"enabled":   snap.Pool.Enabled,
			"total":     snap.Manager.Total,
			"available": snap.Manager.Available,
		})
	}

	code := http.StatusOK
	if status == healthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":               status,
		"totalCredentials":     total,
		"availableCredentials": available,
		"pools":                pools,
	})
}

// StartHealthLoop runs the periodic credential health sweep until ctx is
// cancelled. Each tick logs availability and refreshes the per-pool gauges.
// A zero interval disables the loop.
func (s *Server) StartHealthLoop(ctx context.Context) {
	interval := time.Duration(s.config().HealthCheckIntervalSeconds) * time.Second
	if interval <= 0 {
		log.Info("credential health loop disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepHealth()
			}
		}
	}()
}

func (s *Server) sweepHealth() {
	total, available := s.pools.Totals()
	for _, snap := range s.pools.Snapshots() {
		middleware.SetCredentialsAvailable(snap.Pool.ID, snap.Manager.Available)
	}
	log.WithFields(log.Fields{
		"status":    healthStatus(total, available),
		"total":     total,
		"available": available,
	}).Info("credential health check")
}
