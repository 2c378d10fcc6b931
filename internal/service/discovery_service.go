// internal/service/discovery_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/discovery"
	"growdash-agent/internal/model"
	"growdash-agent/internal/protocol"
	"growdash-agent/internal/utils"
)

// ErrPortInUse is returned when a probe targets a port a worker holds
var ErrPortInUse = errors.New("port is held by a running worker")

// PortScanner enumerates attached endpoints
type PortScanner interface {
	Scan(ctx context.Context) []model.EndpointDescriptor
	AvailableSources() []string
}

// BoardClassifier maps an endpoint to a board type
type BoardClassifier interface {
	Classify(d model.EndpointDescriptor) model.BoardClassification
}

// DiscoveryService runs ad-hoc scans and handshake probes for the local API
type DiscoveryService struct {
	scanner    PortScanner
	classifier BoardClassifier
	fleet      FleetManager
	open       protocol.OpenFunc
	config     *config.Config
	logger     *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service
func NewDiscoveryService(
	scanner PortScanner,
	classifier BoardClassifier,
	fleet FleetManager,
	open protocol.OpenFunc,
	config *config.Config,
	logger *zap.Logger,
) *DiscoveryService {
	return &DiscoveryService{
		scanner:    scanner,
		classifier: classifier,
		fleet:      fleet,
		open:       open,
		config:     config,
		logger:     utils.NewServiceLogger(logger, "discovery-service"),
	}
}

// ScanDevices scans and classifies attached endpoints without touching the
// registry. With Probe set, serial ports no worker holds get a handshake.
func (ds *DiscoveryService) ScanDevices(ctx context.Context, req *ScanRequest) []*DiscoveredDevice {
	ds.logger.Info("Starting device scan", zap.Bool("probe", req.Probe))

	endpoints := ds.scanner.Scan(ctx)

	result := make([]*DiscoveredDevice, 0, len(endpoints))
	for _, ep := range endpoints {
		if !ep.IsSerial() {
			if !req.IncludeCameras {
				continue
			}
			result = append(result, &DiscoveredDevice{
				Key:         ep.Key(),
				Descriptor:  ep,
				WorkerState: model.WorkerAbsent,
			})
			continue
		}

		device := &DiscoveredDevice{
			Key:            ep.Key(),
			Descriptor:     ep,
			Identity:       model.NewDeviceIdentity(ep),
			Classification: ds.classifier.Classify(ep),
			WorkerState:    ds.fleet.State(ep.Key()),
		}

		if req.Probe && device.WorkerState == model.WorkerAbsent {
			responsive := ds.handshake(ctx, ep.Path, req.BaudRate)
			device.Responsive = &responsive
		}

		result = append(result, device)
	}

	ds.logger.Info("Device scan completed",
		zap.Int("devices_found", len(result)),
		zap.Strings("sources", ds.scanner.AvailableSources()))

	return result
}

// ProbePort opens one port and checks whether a board answers a status query
func (ds *DiscoveryService) ProbePort(ctx context.Context, req *ProbeRequest) (*ProbeResult, error) {
	port := strings.TrimSpace(req.Port)
	if port == "" {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidRequest)
	}

	for _, ep := range ds.scanner.Scan(ctx) {
		if ep.Path != port {
			continue
		}
		if state := ds.fleet.State(ep.Key()); state != model.WorkerAbsent {
			return nil, fmt.Errorf("%w: %s (%s)", ErrPortInUse, port, state)
		}
	}

	baud := ds.baudRate(req.BaudRate)
	startTime := time.Now()
	responsive := ds.handshake(ctx, port, baud)

	return &ProbeResult{
		Port:       port,
		BaudRate:   baud,
		Responsive: responsive,
		DurationMs: time.Since(startTime).Milliseconds(),
	}, nil
}

func (ds *DiscoveryService) handshake(ctx context.Context, port string, baud int) bool {
	responsive := discovery.Handshake(ctx, ds.open, port, ds.baudRate(baud), ds.config.Serial.HandshakeWait)
	ds.logger.Debug("Handshake finished",
		zap.String("port", port),
		zap.Bool("responsive", responsive))
	return responsive
}

func (ds *DiscoveryService) baudRate(requested int) int {
	if requested > 0 {
		return requested
	}
	return ds.config.Serial.BaudRate
}

// ScanRequest controls an ad-hoc scan
type ScanRequest struct {
	Probe          bool `form:"probe"`
	IncludeCameras bool `form:"cameras"`
	BaudRate       int  `form:"baud_rate"`
}

// DiscoveredDevice is one endpoint found by an ad-hoc scan
type DiscoveredDevice struct {
	Key            string                    `json:"key"`
	Descriptor     model.EndpointDescriptor  `json:"descriptor"`
	Identity       model.DeviceIdentity      `json:"device_id,omitempty"`
	Classification model.BoardClassification `json:"classification"`
	WorkerState    model.WorkerState         `json:"worker_state"`
	Responsive     *bool                     `json:"responsive,omitempty"`
}

// ProbeRequest names a port to handshake
type ProbeRequest struct {
	Port     string `json:"port" binding:"required"`
	BaudRate int    `json:"baud_rate,omitempty"`
}

// ProbeResult reports a handshake
type ProbeResult struct {
	Port       string `json:"port"`
	BaudRate   int    `json:"baud_rate"`
	Responsive bool   `json:"responsive"`
	DurationMs int64  `json:"duration_ms"`
}
