// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/fleet"
	"growdash-agent/internal/model"
	"growdash-agent/internal/utils"
)

// ErrInvalidRequest marks a request rejected before reaching a device
var ErrInvalidRequest = errors.New("invalid request")

const maxExchangeTimeout = 60 * time.Second

// FleetManager is the part of the fleet the local API reads and drives
type FleetManager interface {
	Snapshot() []model.DeviceWorkerState
	State(key string) model.WorkerState
	LastReconcile() time.Time
	Reconcile(ctx context.Context)
	Exchange(ctx context.Context, identity model.DeviceIdentity, line string, timeout time.Duration) (string, string, error)
}

// DeviceService exposes the running workers to the local API
type DeviceService struct {
	fleet  FleetManager
	config *config.Config
	logger *utils.ServiceLogger
}

// NewDeviceService creates a new device service
func NewDeviceService(fleet FleetManager, config *config.Config, logger *zap.Logger) *DeviceService {
	return &DeviceService{
		fleet:  fleet,
		config: config,
		logger: utils.NewServiceLogger(logger, "device-service"),
	}
}

// ListDevices returns worker snapshots matching the filter
func (ds *DeviceService) ListDevices(filter *DeviceFilter) []model.DeviceWorkerState {
	devices := ds.fleet.Snapshot()
	if filter == nil {
		return devices
	}

	result := make([]model.DeviceWorkerState, 0, len(devices))
	for _, d := range devices {
		if filter.State != "" && d.State != filter.State {
			continue
		}
		if filter.BoardType != "" && d.BoardType != filter.BoardType {
			continue
		}
		result = append(result, d)
	}
	return result
}

// GetDevice returns the snapshot of one worker
func (ds *DeviceService) GetDevice(identity model.DeviceIdentity) (model.DeviceWorkerState, error) {
	for _, d := range ds.fleet.Snapshot() {
		if d.Identity == identity {
			return d, nil
		}
	}
	return model.DeviceWorkerState{}, fmt.Errorf("%w: %s", fleet.ErrDeviceNotFound, identity)
}

// Exchange sends one debug line to a running worker
func (ds *DeviceService) Exchange(ctx context.Context, identity model.DeviceIdentity, req *ExchangeRequest) (*ExchangeResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("%w: command must be a single line", ErrInvalidRequest)
	}

	timeout := ds.config.Serial.ExchangeTimeout
	if req.TimeoutMs != 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout < 0 || timeout > maxExchangeTimeout {
			return nil, fmt.Errorf("%w: timeout_ms must be between 1 and %d", ErrInvalidRequest, maxExchangeTimeout.Milliseconds())
		}
	}

	startTime := time.Now()
	id, response, err := ds.fleet.Exchange(ctx, identity, command, timeout)
	duration := time.Since(startTime)

	if err != nil {
		ds.logger.Warn("Debug exchange failed",
			zap.String("device_id", identity.String()),
			zap.String("command", command),
			zap.Error(err))
		return nil, err
	}

	return &ExchangeResult{
		ExchangeID: id,
		DeviceID:   identity,
		Command:    command,
		Response:   response,
		DurationMs: duration.Milliseconds(),
	}, nil
}

// Reconcile runs one scan pass immediately
func (ds *DeviceService) Reconcile(ctx context.Context) *ReconcileResult {
	before := len(ds.fleet.Snapshot())
	ds.fleet.Reconcile(ctx)
	devices := ds.fleet.Snapshot()

	ds.logger.Info("Manual reconcile completed",
		zap.Int("before", before),
		zap.Int("after", len(devices)))

	return &ReconcileResult{
		Before:  before,
		After:   len(devices),
		Devices: devices,
	}
}

// Status summarizes worker states for health checks
func (ds *DeviceService) Status() *FleetStatus {
	status := &FleetStatus{
		ByState:       make(map[model.WorkerState]int),
		LastReconcile: ds.fleet.LastReconcile(),
	}
	for _, d := range ds.fleet.Snapshot() {
		status.Total++
		status.ByState[d.State]++
	}
	return status
}

// DeviceFilter narrows ListDevices
type DeviceFilter struct {
	State     model.WorkerState `form:"state"`
	BoardType model.BoardType   `form:"board_type"`
}

// ExchangeRequest is a debug line for one worker
type ExchangeRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// ExchangeResult is the board reply to a debug line
type ExchangeResult struct {
	ExchangeID string               `json:"exchange_id"`
	DeviceID   model.DeviceIdentity `json:"device_id"`
	Command    string               `json:"command"`
	Response   string               `json:"response"`
	DurationMs int64                `json:"duration_ms"`
}

// ReconcileResult reports a manual scan pass
type ReconcileResult struct {
	Before  int                       `json:"before"`
	After   int                       `json:"after"`
	Devices []model.DeviceWorkerState `json:"devices"`
}

// FleetStatus counts workers per lifecycle state
type FleetStatus struct {
	Total         int                       `json:"total"`
	ByState       map[model.WorkerState]int `json:"by_state"`
	LastReconcile time.Time                 `json:"last_reconcile"`
}
