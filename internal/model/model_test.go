package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIdentity(t *testing.T) {
	tests := []struct {
		name string
		desc EndpointDescriptor
		want DeviceIdentity
	}{
		{
			name: "with identifiers",
			desc: EndpointDescriptor{Path: "/dev/ttyACM0", VendorID: "2341", ProductID: "0043"},
			want: "growdash-2341-0043-ttyACM0",
		},
		{
			name: "path only",
			desc: EndpointDescriptor{Path: "/dev/ttyUSB1"},
			want: "growdash-ttyUSB1",
		},
		{
			name: "vendor without product",
			desc: EndpointDescriptor{Path: "/dev/ttyUSB1", VendorID: "1a86"},
			want: "growdash-ttyUSB1",
		},
		{
			name: "nested path",
			desc: EndpointDescriptor{Path: "/dev/serial/by-id/usb-1a86"},
			want: "growdash-serial-by-id-usb-1a86",
		},
		{
			name: "windows",
			desc: EndpointDescriptor{Path: "COM4", VendorID: "10c4", ProductID: "ea60"},
			want: "growdash-10c4-ea60-COM4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := NewDeviceIdentity(tt.desc)
			assert.Equal(t, tt.want, first)

			// discovery time must not leak into the identity
			again := tt.desc
			again.DiscoveredAt = time.Now().Add(time.Hour)
			assert.Equal(t, first, NewDeviceIdentity(again))
		})
	}
}

func TestEndpointKey(t *testing.T) {
	assert.Equal(t, "2341:0043@/dev/ttyACM0",
		EndpointDescriptor{Path: "/dev/ttyACM0", VendorID: "2341", ProductID: "0043"}.Key())
	assert.Equal(t, "/dev/ttyACM0", EndpointDescriptor{Path: "/dev/ttyACM0"}.Key())
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		params  map[string]interface{}
		payload CommandPayload
	}{
		{
			name:    "serial command",
			typ:     "serial_command",
			params:  map[string]interface{}{"command": " STATUS "},
			payload: SerialPayload{Line: "STATUS"},
		},
		{
			name:    "serial actuator",
			typ:     "serial_command",
			params:  map[string]interface{}{"command": "Spray 3000", "actuator": true},
			payload: SerialPayload{Line: "Spray 3000", Actuator: true},
		},
		{
			name:    "serial without command",
			typ:     "serial_command",
			params:  map[string]interface{}{},
			payload: InvalidPayload{Reason: "no command given in params"},
		},
		{
			name:    "timed spray",
			typ:     "spray_on",
			params:  map[string]interface{}{"duration": 2.5},
			payload: SprayPayload{Duration: 2500 * time.Millisecond},
		},
		{
			name:    "spray without duration",
			typ:     "spray_on",
			params:  nil,
			payload: SprayPayload{},
		},
		{
			name:    "spray off",
			typ:     "spray_off",
			payload: SprayOffPayload{},
		},
		{
			name:    "fill stop",
			typ:     "fill_stop",
			payload: FillStopPayload{},
		},
		{
			name:    "status",
			typ:     "request_status",
			payload: StatusQueryPayload{},
		},
		{
			name:    "tds",
			typ:     "request_tds",
			payload: TDSQueryPayload{},
		},
		{
			name:    "unknown",
			typ:     "reboot_host",
			params:  map[string]interface{}{"now": true},
			payload: UnsupportedPayload{Params: map[string]interface{}{"now": true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := DecodeCommand("42", tt.typ, tt.params)
			assert.Equal(t, "42", cmd.ID)
			assert.Equal(t, CommandType(tt.typ), cmd.Type)
			assert.Equal(t, tt.payload, cmd.Payload)
		})
	}
}

func TestDecodeFillCommand(t *testing.T) {
	cmd := DecodeCommand("1", "fill_start", map[string]interface{}{"target_liters": "7.25"})
	fill, ok := cmd.Payload.(FillPayload)
	require.True(t, ok)
	assert.Equal(t, "7.25", FormatLiters(fill.TargetLiters))

	cmd = DecodeCommand("2", "fill_start", nil)
	fill, ok = cmd.Payload.(FillPayload)
	require.True(t, ok)
	assert.Equal(t, "5.0", FormatLiters(fill.TargetLiters))

	cmd = DecodeCommand("3", "fill_start", map[string]interface{}{"target_liters": "lots"})
	_, ok = cmd.Payload.(InvalidPayload)
	assert.True(t, ok)

	cmd = DecodeCommand("4", "fill_start", map[string]interface{}{"target_liters": -1.0})
	_, ok = cmd.Payload.(InvalidPayload)
	assert.True(t, ok)
}

func TestParseReadings(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	readings := ParseReadings("WaterLevel: 45", at)
	require.Len(t, readings, 1)
	assert.Equal(t, "water_level", readings[0].SensorID)
	assert.True(t, decimal.NewFromInt(45).Equal(readings[0].Value))
	assert.Equal(t, "percent", readings[0].Unit)
	assert.Equal(t, at, readings[0].Timestamp)

	readings = ParseReadings("TDS=320 TempC=22.5", at)
	require.Len(t, readings, 2)
	assert.Equal(t, "tds", readings[0].SensorID)
	assert.Equal(t, "ppm", readings[0].Unit)
	assert.Equal(t, "temperature", readings[1].SensorID)
	assert.Equal(t, "22.5", readings[1].Value.String())

	readings = ParseReadings("TDS=310 TempC=NaN", at)
	require.Len(t, readings, 1)
	assert.Equal(t, "tds", readings[0].SensorID)

	readings = ParseReadings("Spray: ON", at)
	require.Len(t, readings, 1)
	assert.Equal(t, "spray_status", readings[0].SensorID)
	assert.True(t, decimal.NewFromInt(1).Equal(readings[0].Value))

	readings = ParseReadings("Tab: OFF", at)
	require.Len(t, readings, 1)
	assert.Equal(t, "fill_status", readings[0].SensorID)
	assert.True(t, readings[0].Value.IsZero())

	assert.Empty(t, ParseReadings("dist_cm=20.3", at))
	assert.Empty(t, ParseReadings("WaterLevel: high", at))
	assert.Empty(t, ParseReadings("   ", at))
}
