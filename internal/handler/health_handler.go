// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/model"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	deviceService *service.DeviceService
	boardService  *service.BoardService
	config        *config.Config
	startedAt     time.Time
	logger        *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(deviceService *service.DeviceService, boardService *service.BoardService, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		deviceService: deviceService,
		boardService:  boardService,
		config:        config,
		startedAt:     time.Now(),
		logger:        utils.NewServiceLogger(logger, "health-handler"),
	}
}

// HealthCheck performs general health check
// @Summary Health check
// @Description Agent status including worker counts and registry freshness
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Agent is healthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	fleetStatus := h.deviceService.Status()
	fleetCheck := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"workers":  fleetStatus.Total,
			"running":  fleetStatus.ByState[model.WorkerRunning],
			"stopping": fleetStatus.ByState[model.WorkerStopping],
		},
	}
	if fleetStatus.LastReconcile.IsZero() {
		fleetCheck.Status = "starting"
		fleetCheck.Message = "No scan completed yet"
	} else {
		fleetCheck.Data["last_reconcile"] = fleetStatus.LastReconcile
	}
	health.Checks["fleet"] = fleetCheck

	registryStatus := h.boardService.Status()
	registryCheck := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"path":    registryStatus.Path,
			"entries": registryStatus.Entries,
			"age":     registryStatus.Age,
		},
	}
	switch {
	case registryStatus.Dirty:
		registryCheck.Status = "degraded"
		registryCheck.Message = "Registry changes not persisted"
	case registryStatus.Stale:
		registryCheck.Status = "degraded"
		registryCheck.Message = "Registry is stale"
	}
	health.Checks["registry"] = registryCheck

	// degraded still answers 200
	for _, check := range health.Checks {
		if check.Status == "degraded" {
			health.Status = "degraded"
		}
	}

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck reports ready once the first scan pass finished
// @Summary Readiness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Agent is ready"
// @Failure 503 {object} object{status=string,reason=string} "Agent is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.deviceService.Status().LastReconcile.IsZero() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "initial device scan not finished",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for process supervisors
// @Summary Liveness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Agent is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
