// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceAttached      EventType = "device.attached"
	EventDeviceDetached      EventType = "device.detached"
	EventDeviceStartFailed   EventType = "device.start_failed"
	EventDeviceStopAbandoned EventType = "device.stop_abandoned"
	EventCommandExecuted     EventType = "command.executed"
	EventRegistryRefreshed   EventType = "registry.refreshed"
	EventRegistryCleaned     EventType = "registry.cleaned"
)

// Event represents something that happened in the fleet
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent stamps a new event
func NewEvent(eventType EventType, source, deviceID string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// WorkerState is the lifecycle state of one endpoint key
type WorkerState string

const (
	WorkerAbsent   WorkerState = "absent"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
)

// DeviceWorkerState is a read-only snapshot of one managed worker
type DeviceWorkerState struct {
	Identity     DeviceIdentity `json:"device_id"`
	Key          string         `json:"key"`
	Path         string         `json:"path"`
	BoardType    BoardType      `json:"board_type"`
	Confidence   Confidence     `json:"confidence"`
	State        WorkerState    `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	LastActivity time.Time      `json:"last_activity,omitempty"`
}
