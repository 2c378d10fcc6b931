// internal/discovery/serial/lister.go
package serial

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
)

// Lister enumerates host serial ports with their USB metadata
type Lister struct {
	logger   *zap.Logger
	detailed func() ([]*enumerator.PortDetails, error)
	names    func() ([]string, error)
}

// NewLister creates a lister backed by the host enumerator
func NewLister(logger *zap.Logger) *Lister {
	return &Lister{
		logger:   logger.With(zap.String("source", "serial")),
		detailed: enumerator.GetDetailedPortsList,
		names:    serial.GetPortsList,
	}
}

// Name returns source type identifier
func (l *Lister) Name() string {
	return "serial"
}

// IsAvailable reports serial enumeration support; it exists on every platform
func (l *Lister) IsAvailable() bool {
	return true
}

// List returns every serial port on the host. When the detailed listing
// fails the port names are still reported without metadata.
func (l *Lister) List(ctx context.Context) ([]model.EndpointDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, err := l.detailed()
	if err == nil {
		endpoints := make([]model.EndpointDescriptor, 0, len(details))
		for _, d := range details {
			if d == nil || d.Name == "" {
				continue
			}
			endpoints = append(endpoints, FromPortDetails(d))
		}
		return endpoints, nil
	}

	l.logger.Debug("Detailed port listing failed, falling back to names", zap.Error(err))

	names, nameErr := l.names()
	if nameErr != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", nameErr)
	}

	endpoints := make([]model.EndpointDescriptor, 0, len(names))
	for _, name := range names {
		endpoints = append(endpoints, model.EndpointDescriptor{Path: name, Kind: model.EntryKindSerial})
	}
	return endpoints, nil
}

// FromPortDetails converts enumerator output to a descriptor
func FromPortDetails(d *enumerator.PortDetails) model.EndpointDescriptor {
	ep := model.EndpointDescriptor{
		Path: d.Name,
		Kind: model.EntryKindSerial,
	}

	if d.IsUSB {
		ep.VendorID = normalizeID(d.VID)
		ep.ProductID = normalizeID(d.PID)
		ep.SerialNumber = strings.TrimSpace(d.SerialNumber)
		ep.Description = strings.TrimSpace(d.Product)
	}

	return ep
}

// normalizeID lowercases a hex id and pads it to four digits
func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X")))
	if id == "" {
		return ""
	}
	for len(id) < 4 {
		id = "0" + id
	}
	return id
}
