// internal/controlplane/interfaces.go
package controlplane

//go:generate mockgen -destination=mock_client.go -package=controlplane growdash-agent/internal/controlplane Client

import (
	"context"
	"errors"

	"growdash-agent/internal/model"
)

// ErrRejected is returned when the control plane answers with success=false
var ErrRejected = errors.New("control plane rejected request")

// Client is the per-device view of the remote control plane
type Client interface {
	ReportTelemetry(ctx context.Context, identity model.DeviceIdentity, readings []model.Reading) error
	PollPendingCommands(ctx context.Context, identity model.DeviceIdentity) ([]model.Command, error)
	ReportCommandResult(ctx context.Context, identity model.DeviceIdentity, commandID string, result model.CommandResult) error
	ReportHeartbeat(ctx context.Context, identity model.DeviceIdentity, state model.HeartbeatState) error
}
