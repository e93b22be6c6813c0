package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora"
)

// Build information - can be set at build time using ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const serviceName = "tempora"

// HealthHandler handles health check requests
type HealthHandler struct {
	admin     tempora.Admin
	startedAt time.Time
}

// NewHealthHandler creates a new health handler. A nil admin reports the
// backend as not initialized.
func NewHealthHandler(admin tempora.Admin) *HealthHandler {
	return &HealthHandler{
		admin:     admin,
		startedAt: time.Now(),
	}
}

// HealthCheck handles GET /health - basic liveness check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// LivenessCheck handles GET /live - Kubernetes liveness probe endpoint
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessCheck handles GET /ready
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	backend, healthy := h.checkBackend(ctx)
	response := gin.H{
		"status":    "ready",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"database": backend,
			"system": gin.H{
				"status": "healthy",
				"uptime": time.Since(h.startedAt).Round(time.Second).String(),
			},
		},
	}

	if !healthy {
		response["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// DetailedHealthCheck handles GET /health/detailed - comprehensive health information
func (h *HealthHandler) DetailedHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	startTime := time.Now()
	backend, healthy := h.checkBackend(ctx)
	systemMetrics := h.getSystemMetrics()

	response := gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": Version,
		"build_info": gin.H{
			"git_commit": GitCommit,
			"build_time": BuildTime,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"go_version": GoVersion,
		},
		"checks": gin.H{
			"database_connectivity": backend,
			"system": gin.H{
				"status":       "healthy",
				"uptime":       time.Since(h.startedAt).Round(time.Second).String(),
				"memory_usage": systemMetrics.MemoryUsage,
				"goroutines":   systemMetrics.Goroutines,
				"gc_cycles":    systemMetrics.GCCycles,
				"heap_objects": systemMetrics.HeapObjects,
				"stack_usage":  systemMetrics.StackUsage,
			},
		},
		"metrics": gin.H{
			"response_time_ms": time.Since(startTime).Milliseconds(),
		},
	}

	if !healthy {
		response["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

// checkBackend pings the persistence backend.
func (h *HealthHandler) checkBackend(ctx context.Context) (gin.H, bool) {
	if h.admin == nil {
		return gin.H{
			"status": "unhealthy",
			"error":  "tempora client not initialized",
		}, false
	}

	start := time.Now()
	err := h.admin.Ping(ctx)
	duration := time.Since(start)
	if err != nil {
		return gin.H{
			"status":      "unhealthy",
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
			"operation":   "Ping",
		}, false
	}
	return gin.H{
		"status":      "healthy",
		"duration_ms": duration.Milliseconds(),
		"operation":   "Ping",
	}, true
}

// SystemMetrics holds system runtime metrics
type SystemMetrics struct {
	MemoryUsage string `json:"memory_usage"`
	Goroutines  int    `json:"goroutines"`
	GCCycles    uint32 `json:"gc_cycles"`
	HeapObjects uint64 `json:"heap_objects"`
	StackUsage  string `json:"stack_usage"`
}

// getSystemMetrics collects current system runtime metrics
func (h *HealthHandler) getSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		MemoryUsage: fmt.Sprintf("%.2f MB", float64(m.Alloc)/(1024*1024)),
		Goroutines:  runtime.NumGoroutine(),
		GCCycles:    m.NumGC,
		HeapObjects: m.HeapObjects,
		StackUsage:  fmt.Sprintf("%.2f MB", float64(m.StackSys)/(1024*1024)),
	}
}
