// internal/handler/device_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// DeviceHandler handles requests about running device workers
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// ListDevices lists worker snapshots
// @Summary List devices
// @Description Snapshot of every tracked board worker ordered by key
// @Tags Devices
// @Produce json
// @Param state query string false "Filter by worker state" Enums(starting, running, stopping)
// @Param board_type query string false "Filter by board type"
// @Success 200 {object} utils.APIResponse{data=object{devices=[]model.DeviceWorkerState,count=int}}
// @Router /devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	var filter service.DeviceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	devices := h.deviceService.ListDevices(&filter)

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice returns one worker snapshot
// @Summary Get device
// @Tags Devices
// @Produce json
// @Param device_id path string true "Device identity"
// @Success 200 {object} utils.APIResponse{data=model.DeviceWorkerState}
// @Failure 404 {object} utils.APIResponse "Device not found"
// @Router /devices/{device_id} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	device, err := h.deviceService.GetDevice(model.DeviceIdentity(c.Param("device_id")))
	if err != nil {
		respondError(c, "Device not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// Exchange sends one debug line to a board and returns its reply
// @Summary Debug exchange
// @Description Sends one line to the board through its worker, serialized with the worker's own traffic
// @Tags Devices
// @Accept json
// @Produce json
// @Param device_id path string true "Device identity"
// @Param request body service.ExchangeRequest true "Line to send"
// @Success 200 {object} utils.APIResponse{data=service.ExchangeResult}
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 404 {object} utils.APIResponse "Device not found"
// @Failure 504 {object} utils.APIResponse "Board did not answer"
// @Router /devices/{device_id}/exchange [post]
func (h *DeviceHandler) Exchange(c *gin.Context) {
	var req service.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	deviceID := model.DeviceIdentity(c.Param("device_id"))
	result, err := h.deviceService.Exchange(c.Request.Context(), deviceID, &req)
	if err != nil {
		respondError(c, "Exchange failed", err)
		return
	}

	h.logger.Info("Debug exchange completed",
		zap.String("device_id", deviceID.String()),
		zap.String("exchange_id", result.ExchangeID),
		zap.Int64("duration_ms", result.DurationMs))
	utils.SuccessResponse(c, http.StatusOK, "Exchange completed", result)
}

// Reconcile runs one scan pass now
// @Summary Reconcile fleet
// @Tags Fleet
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.ReconcileResult}
// @Router /fleet/reconcile [post]
func (h *DeviceHandler) Reconcile(c *gin.Context) {
	result := h.deviceService.Reconcile(c.Request.Context())
	utils.SuccessResponse(c, http.StatusOK, "Reconcile completed", result)
}
