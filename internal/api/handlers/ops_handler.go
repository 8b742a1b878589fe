package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"example.com/eventchain/indexer/internal/indexer"
	"example.com/eventchain/indexer/internal/metrics"
)

// StatusProvider exposes the indexer snapshot
type StatusProvider interface {
	Status() indexer.Status
}

// OpsHandler serves health, metrics and indexer status
type OpsHandler struct {
	metrics *metrics.Metrics
	status  StatusProvider
}

// NewOpsHandler creates a new ops handler
func NewOpsHandler(m *metrics.Metrics, status StatusProvider) *OpsHandler {
	return &OpsHandler{metrics: m, status: status}
}

// HandleGetMetrics returns all metrics
func (h *OpsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge(metrics.GaugeGoroutines, int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealth reports 503 when any component is unhealthy
func (h *OpsHandler) HandleGetHealth(c *gin.Context) {
	checks := h.metrics.GetHealthChecks()

	healthy := true
	for _, ok := range checks {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": checks,
	})
}

// HandleGetStatus returns the indexer snapshot
func (h *OpsHandler) HandleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status())
}

// RegisterRoutes registers the handler's routes
func (h *OpsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.HandleGetHealth)
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/status", h.HandleGetStatus)
}
