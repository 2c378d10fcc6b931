// internal/model/board.go
package model

import (
	"fmt"
	"time"
)

// BoardType identifies the family of an attached microcontroller board
type BoardType string

const (
	BoardArduinoUno    BoardType = "arduino_uno"
	BoardArduinoNano   BoardType = "arduino_nano"
	BoardESP32         BoardType = "esp32"
	BoardGenericSerial BoardType = "generic_serial"
)

// DisplayName returns a human readable board name
func (b BoardType) DisplayName() string {
	switch b {
	case BoardArduinoUno:
		return "Arduino Uno"
	case BoardArduinoNano:
		return "Arduino Nano"
	case BoardESP32:
		return "ESP32"
	default:
		return "Generic Serial Device"
	}
}

// Confidence records which classification rule produced a board type
type Confidence string

const (
	ConfidenceIdentifierMatch Confidence = "identifier_match"
	ConfidenceKeywordHint     Confidence = "keyword_hint"
	ConfidenceDefault         Confidence = "default"
)

// EntryKind distinguishes serial boards from other registry entries
type EntryKind string

const (
	EntryKindSerial EntryKind = "serial"
	EntryKindCamera EntryKind = "camera"
)

// EndpointDescriptor describes one host-visible attachment point at scan time.
// Optional fields are empty when the host could not provide them.
type EndpointDescriptor struct {
	Path         string    `json:"path"`
	VendorID     string    `json:"vendor_id,omitempty"`
	ProductID    string    `json:"product_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Kind         EntryKind `json:"kind"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// HasIdentifiers reports whether both USB identifiers are known
func (d EndpointDescriptor) HasIdentifiers() bool {
	return d.VendorID != "" && d.ProductID != ""
}

// Key returns the registry and lifecycle key for the endpoint
func (d EndpointDescriptor) Key() string {
	if d.HasIdentifiers() {
		return fmt.Sprintf("%s:%s@%s", d.VendorID, d.ProductID, d.Path)
	}
	return d.Path
}

// IsSerial reports whether the endpoint is a serial attachment
func (d EndpointDescriptor) IsSerial() bool {
	return d.Kind == "" || d.Kind == EntryKindSerial
}

// BoardClassification is the outcome of classifying one endpoint
type BoardClassification struct {
	BoardType    BoardType  `json:"board_type"`
	BoardName    string     `json:"board_name"`
	Confidence   Confidence `json:"confidence"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// RegistryEntry is the persisted record for one endpoint
type RegistryEntry struct {
	Path         string     `json:"path"`
	BoardType    BoardType  `json:"board_type"`
	BoardName    string     `json:"board_name"`
	Confidence   Confidence `json:"confidence"`
	Capabilities []string   `json:"capabilities,omitempty"`
	VendorID     string     `json:"vendor_id"`
	ProductID    string     `json:"product_id"`
	Description  string     `json:"description"`
	Kind         EntryKind  `json:"kind"`
	LastSeen     time.Time  `json:"last_seen"`
}

// NewRegistryEntry builds an entry from a scan result and its classification
func NewRegistryEntry(d EndpointDescriptor, c BoardClassification, seen time.Time) RegistryEntry {
	kind := d.Kind
	if kind == "" {
		kind = EntryKindSerial
	}

	return RegistryEntry{
		Path:         d.Path,
		BoardType:    c.BoardType,
		BoardName:    c.BoardName,
		Confidence:   c.Confidence,
		Capabilities: append([]string(nil), c.Capabilities...),
		VendorID:     d.VendorID,
		ProductID:    d.ProductID,
		Description:  d.Description,
		Kind:         kind,
		LastSeen:     seen,
	}
}

// Classification returns the classification stored in the entry
func (e RegistryEntry) Classification() BoardClassification {
	return BoardClassification{
		BoardType:    e.BoardType,
		BoardName:    e.BoardName,
		Confidence:   e.Confidence,
		Capabilities: append([]string(nil), e.Capabilities...),
	}
}
