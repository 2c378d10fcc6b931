package model

import (
	"fmt"
	"strings"
)

const identityPrefix = "growdash"

// DeviceIdentity is the logical id a worker reports under
type DeviceIdentity string

func (id DeviceIdentity) String() string {
	return string(id)
}

// NewDeviceIdentity derives the identity of an endpoint. It depends only on
// the path and the USB identifiers, so it is stable across rescans.
func NewDeviceIdentity(d EndpointDescriptor) DeviceIdentity {
	port := PortName(d.Path)
	if d.HasIdentifiers() {
		return DeviceIdentity(fmt.Sprintf("%s-%s-%s-%s", identityPrefix, d.VendorID, d.ProductID, port))
	}
	return DeviceIdentity(fmt.Sprintf("%s-%s", identityPrefix, port))
}

// PortName turns a device path into a token safe for ids: "/dev/ttyACM0" -> "ttyACM0"
func PortName(path string) string {
	name := strings.TrimPrefix(path, "/dev/")
	name = strings.TrimPrefix(name, `\\.\`)
	name = strings.Trim(name, "/")
	return strings.ReplaceAll(name, "/", "-")
}
