// internal/discovery/usb/enricher.go
package usb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
)

// descriptorLookup resolves "vid:pid" keys to USB string descriptors
type descriptorLookup func(ctx context.Context, wanted map[string]bool) (map[string]string, error)

// Enricher fills missing endpoint descriptions from USB string descriptors
type Enricher struct {
	logger  *zap.Logger
	timeout time.Duration
	lookup  descriptorLookup
}

// NewEnricher creates a gousb backed enricher
func NewEnricher(logger *zap.Logger, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	e := &Enricher{
		logger:  logger.With(zap.String("enricher", "usb")),
		timeout: timeout,
	}
	e.lookup = e.readDescriptors
	return e
}

// Enrich sets Description on endpoints that have identifiers but no text
func (e *Enricher) Enrich(ctx context.Context, endpoints []model.EndpointDescriptor) {
	wanted := wantedIDs(endpoints)
	if len(wanted) == 0 {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	descriptions, err := e.lookup(lookupCtx, wanted)
	if err != nil {
		e.logger.Debug("USB descriptor lookup failed", zap.Error(err))
	}

	applyDescriptions(endpoints, descriptions)
}

func wantedIDs(endpoints []model.EndpointDescriptor) map[string]bool {
	wanted := make(map[string]bool)
	for _, ep := range endpoints {
		if ep.HasIdentifiers() && ep.Description == "" {
			wanted[idKey(ep.VendorID, ep.ProductID)] = true
		}
	}
	return wanted
}

func applyDescriptions(endpoints []model.EndpointDescriptor, descriptions map[string]string) {
	for i := range endpoints {
		ep := &endpoints[i]
		if ep.Description != "" || !ep.HasIdentifiers() {
			continue
		}
		if desc, ok := descriptions[idKey(ep.VendorID, ep.ProductID)]; ok {
			ep.Description = desc
		}
	}
}

func idKey(vendorID, productID string) string {
	return strings.ToLower(vendorID) + ":" + strings.ToLower(productID)
}

// readDescriptors opens only the wanted devices and reads their strings
func (e *Enricher) readDescriptors(ctx context.Context, wanted map[string]bool) (map[string]string, error) {
	type result struct {
		descriptions map[string]string
		err          error
	}

	done := make(chan result, 1)

	go func() {
		usbCtx := gousb.NewContext()
		defer func() {
			if err := usbCtx.Close(); err != nil {
				e.logger.Debug("Failed to close USB context", zap.Error(err))
			}
		}()

		devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return wanted[idKey(desc.Vendor.String(), desc.Product.String())]
		})
		defer func() {
			for _, d := range devices {
				d.Close()
			}
		}()

		descriptions := make(map[string]string, len(devices))
		for _, device := range devices {
			key := idKey(device.Desc.Vendor.String(), device.Desc.Product.String())
			if _, ok := descriptions[key]; ok {
				continue
			}
			if text := describe(device); text != "" {
				descriptions[key] = text
			}
		}

		if err != nil {
			err = fmt.Errorf("failed to open USB devices: %w", err)
		}
		done <- result{descriptions: descriptions, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.descriptions, r.err
	}
}

func describe(device *gousb.Device) string {
	manufacturer, _ := device.Manufacturer()
	product, _ := device.Product()

	manufacturer = strings.TrimSpace(manufacturer)
	product = strings.TrimSpace(product)

	switch {
	case manufacturer != "" && product != "" && !strings.Contains(product, manufacturer):
		return manufacturer + " " + product
	case product != "":
		return product
	default:
		return manufacturer
	}
}
