// internal/classifier/table.go
package classifier

import (
	"strings"

	"growdash-agent/internal/model"
)

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[string]*ProductInfo
}

// ProductInfo maps one USB product to a board family
type ProductInfo struct {
	Chip      string
	BoardType model.BoardType
}

// IdentifierTable is the static vendor/product lookup
type IdentifierTable struct {
	vendors map[string]*VendorInfo
}

// KeywordRule matches description text when identifiers are unknown.
// All keywords must be present.
type KeywordRule struct {
	Keywords  []string
	BoardType model.BoardType
}

// NewIdentifierTable creates the table of known boards
func NewIdentifierTable() *IdentifierTable {
	t := &IdentifierTable{vendors: make(map[string]*VendorInfo)}

	// Arduino SA
	t.add("2341", "Arduino SA", "0043", "ATmega16U2", model.BoardArduinoUno)
	t.add("2341", "Arduino SA", "0001", "ATmega8U2", model.BoardArduinoUno)

	// QinHeng: CH340 is common on Nano clones, CH9102 on ESP32 dev boards
	t.add("1a86", "QinHeng Electronics", "7523", "CH340", model.BoardArduinoNano)
	t.add("1a86", "QinHeng Electronics", "55d4", "CH9102", model.BoardESP32)

	// FTDI
	t.add("0403", "Future Technology Devices", "6001", "FT232R", model.BoardArduinoNano)

	// Silicon Labs
	t.add("10c4", "Silicon Labs", "ea60", "CP2102", model.BoardESP32)

	return t
}

func (t *IdentifierTable) add(vendorID, vendorName, productID, chip string, boardType model.BoardType) {
	vendor, ok := t.vendors[vendorID]
	if !ok {
		vendor = &VendorInfo{Name: vendorName, products: make(map[string]*ProductInfo)}
		t.vendors[vendorID] = vendor
	}
	vendor.products[productID] = &ProductInfo{Chip: chip, BoardType: boardType}
}

// Lookup returns the product entry for a vendor/product pair
func (t *IdentifierTable) Lookup(vendorID, productID string) (*VendorInfo, *ProductInfo, bool) {
	vendor, ok := t.vendors[strings.ToLower(vendorID)]
	if !ok {
		return nil, nil, false
	}
	product, ok := vendor.products[strings.ToLower(productID)]
	if !ok {
		return nil, nil, false
	}
	return vendor, product, true
}

// Len returns the number of known products
func (t *IdentifierTable) Len() int {
	n := 0
	for _, v := range t.vendors {
		n += len(v.products)
	}
	return n
}

// DefaultKeywordRules are evaluated in order; the first matching rule wins.
var DefaultKeywordRules = []KeywordRule{
	{Keywords: []string{"arduino", "uno"}, BoardType: model.BoardArduinoUno},
	{Keywords: []string{"arduino", "nano"}, BoardType: model.BoardArduinoNano},
	{Keywords: []string{"arduino"}, BoardType: model.BoardArduinoUno},
	{Keywords: []string{"esp32"}, BoardType: model.BoardESP32},
	{Keywords: []string{"esp-32"}, BoardType: model.BoardESP32},
	{Keywords: []string{"ch340"}, BoardType: model.BoardArduinoNano},
	{Keywords: []string{"cp210"}, BoardType: model.BoardESP32},
}

func (r KeywordRule) matches(lower string) bool {
	for _, kw := range r.Keywords {
		if !strings.Contains(lower, kw) {
			return false
		}
	}
	return len(r.Keywords) > 0
}

// capabilities lists the sensor and actuator keys the GrowDash firmware
// exposes per board family
var capabilities = map[model.BoardType][]string{
	model.BoardArduinoUno:  {"water_level", "tds", "temperature", "spray", "fill"},
	model.BoardArduinoNano: {"water_level", "tds", "temperature", "spray"},
	model.BoardESP32:       {"water_level", "tds", "temperature", "spray", "fill", "wifi"},
}
