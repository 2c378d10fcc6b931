// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// DiscoveryHandler handles ad-hoc scan and probe requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// ScanDevices scans attached endpoints
// @Summary Scan for devices
// @Description Enumerates and classifies attached endpoints without updating the registry
// @Tags Discovery
// @Produce json
// @Param probe query bool false "Handshake ports no worker holds"
// @Param cameras query bool false "Include video devices"
// @Param baud_rate query int false "Baud rate for probes"
// @Success 200 {object} utils.APIResponse{data=object{devices=[]service.DiscoveredDevice,count=int}}
// @Router /discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	var req service.ScanRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	devices := h.discoveryService.ScanDevices(c.Request.Context(), &req)

	utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// ProbePort handshakes one port
// @Summary Probe a port
// @Tags Discovery
// @Accept json
// @Produce json
// @Param request body service.ProbeRequest true "Port to probe"
// @Success 200 {object} utils.APIResponse{data=service.ProbeResult}
// @Failure 409 {object} utils.APIResponse "Port held by a worker"
// @Router /discovery/probe [post]
func (h *DiscoveryHandler) ProbePort(c *gin.Context) {
	var req service.ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.discoveryService.ProbePort(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("Probe rejected", zap.String("port", req.Port), zap.Error(err))
		respondError(c, "Probe failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Probe completed", result)
}
