package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/pkg/response"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Health returns a status payload useful for readiness checks. Any failing
// check turns the response into a 503 naming the failing dependency.
func Health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(requestContext(c), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(gin.H, len(checks))
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = "unavailable"
				continue
			}
			results[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		response.Success(c, status, gin.H{"status": overall, "checks": results})
	}
}
