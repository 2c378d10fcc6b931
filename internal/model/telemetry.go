// internal/model/telemetry.go
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reading is one sensor value extracted from a board line
type Reading struct {
	SensorID  string          `json:"sensor_id"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit"`
	Raw       string          `json:"raw"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeartbeatState is the liveness payload a worker reports
type HeartbeatState struct {
	Uptime        int64   `json:"uptime"`
	MemoryUsed    uint64  `json:"memory_used,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	HostUptime    uint64  `json:"host_uptime,omitempty"`
	Platform      string  `json:"platform"`
	AgentVersion  string  `json:"agent_version"`
	BoardType     string  `json:"board_type"`
	Port          string  `json:"port"`
	Exchanges     uint64  `json:"exchanges"`
	Timeouts      uint64  `json:"timeouts"`
	LastActivity  string  `json:"last_activity,omitempty"`
}

// ParseReadings extracts readings from a single board line. Supported shapes:
//
//	WaterLevel: 45
//	TDS=320 TempC=22.5
//	Spray: ON
//	Tab: OFF
func ParseReadings(line string, at time.Time) []Reading {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	reading := func(sensor string, value decimal.Decimal, unit string) Reading {
		return Reading{SensorID: sensor, Value: value, Unit: unit, Raw: line, Timestamp: at}
	}

	switch {
	case strings.Contains(line, "WaterLevel:"):
		raw := strings.TrimSpace(line[strings.LastIndex(line, ":")+1:])
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil
		}
		return []Reading{reading("water_level", value, "percent")}

	case strings.Contains(line, "TDS="):
		var readings []Reading
		for _, part := range strings.Fields(line) {
			key, raw, found := strings.Cut(part, "=")
			if !found || strings.EqualFold(raw, "nan") {
				continue
			}
			value, err := decimal.NewFromString(raw)
			if err != nil {
				continue
			}
			switch key {
			case "TDS":
				readings = append(readings, reading("tds", value, "ppm"))
			case "TempC":
				readings = append(readings, reading("temperature", value, "celsius"))
			}
		}
		return readings

	case strings.Contains(line, "Spray:"):
		return []Reading{reading("spray_status", onOff(line), "boolean")}

	case strings.Contains(line, "Tab:"):
		return []Reading{reading("fill_status", onOff(line), "boolean")}
	}

	return nil
}

func onOff(line string) decimal.Decimal {
	if strings.Contains(line, "ON") {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
