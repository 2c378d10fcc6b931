// internal/model/command.go
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CommandType is the remote tag of a pending command
type CommandType string

const (
	CommandSerial        CommandType = "serial_command"
	CommandSprayOn       CommandType = "spray_on"
	CommandSprayOff      CommandType = "spray_off"
	CommandFillStart     CommandType = "fill_start"
	CommandFillStop      CommandType = "fill_stop"
	CommandRequestStatus CommandType = "request_status"
	CommandRequestTDS    CommandType = "request_tds"
)

// CommandClass tells the caller how to read a timeout on the serial line.
// Actuators routinely run longer than the exchange window.
type CommandClass string

const (
	CommandClassQuery    CommandClass = "query"
	CommandClassActuator CommandClass = "actuator"
)

// DefaultFillTarget is used when fill_start carries no target
var DefaultFillTarget = decimal.NewFromInt(5)

// Command is one pending remote command with a typed payload
type Command struct {
	ID        string         `json:"id"`
	Type      CommandType    `json:"type"`
	Payload   CommandPayload `json:"-"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// CommandPayload is implemented only by the payload types in this package
type CommandPayload interface {
	commandPayload()
}

// SerialPayload sends a literal line to the board
type SerialPayload struct {
	Line     string
	Actuator bool
}

// SprayPayload starts the sprayer, for Duration when it is positive
type SprayPayload struct {
	Duration time.Duration
}

// SprayOffPayload stops the sprayer
type SprayOffPayload struct{}

// FillPayload fills the tank up to TargetLiters
type FillPayload struct {
	TargetLiters decimal.Decimal
}

// FillStopPayload cancels a running fill
type FillStopPayload struct{}

// StatusQueryPayload asks the board for its status line
type StatusQueryPayload struct{}

// TDSQueryPayload asks the board for a TDS measurement
type TDSQueryPayload struct{}

// InvalidPayload is a known command type with unusable parameters
type InvalidPayload struct {
	Reason string
}

// UnsupportedPayload carries a command type this agent does not know
type UnsupportedPayload struct {
	Params map[string]interface{}
}

func (SerialPayload) commandPayload()      {}
func (SprayPayload) commandPayload()       {}
func (SprayOffPayload) commandPayload()    {}
func (FillPayload) commandPayload()        {}
func (FillStopPayload) commandPayload()    {}
func (StatusQueryPayload) commandPayload() {}
func (TDSQueryPayload) commandPayload()    {}
func (InvalidPayload) commandPayload()     {}
func (UnsupportedPayload) commandPayload() {}

// DecodeCommand builds a typed command from the wire representation
func DecodeCommand(id string, commandType string, params map[string]interface{}) Command {
	cmd := Command{ID: id, Type: CommandType(commandType)}

	switch cmd.Type {
	case CommandSerial:
		line, _ := params["command"].(string)
		line = strings.TrimSpace(line)
		if line == "" {
			cmd.Payload = InvalidPayload{Reason: "no command given in params"}
			break
		}
		actuator, _ := params["actuator"].(bool)
		cmd.Payload = SerialPayload{Line: line, Actuator: actuator}

	case CommandSprayOn:
		seconds, ok, err := decimalParam(params, "duration")
		if err != nil {
			cmd.Payload = InvalidPayload{Reason: err.Error()}
			break
		}
		payload := SprayPayload{}
		if ok && seconds.IsPositive() {
			payload.Duration = time.Duration(seconds.Mul(decimal.NewFromInt(int64(time.Second))).IntPart())
		}
		cmd.Payload = payload

	case CommandSprayOff:
		cmd.Payload = SprayOffPayload{}

	case CommandFillStart:
		liters, ok, err := decimalParam(params, "target_liters")
		if err != nil {
			cmd.Payload = InvalidPayload{Reason: err.Error()}
			break
		}
		if !ok {
			liters = DefaultFillTarget
		}
		if !liters.IsPositive() {
			cmd.Payload = InvalidPayload{Reason: "target_liters must be positive"}
			break
		}
		cmd.Payload = FillPayload{TargetLiters: liters}

	case CommandFillStop:
		cmd.Payload = FillStopPayload{}

	case CommandRequestStatus:
		cmd.Payload = StatusQueryPayload{}

	case CommandRequestTDS:
		cmd.Payload = TDSQueryPayload{}

	default:
		cmd.Payload = UnsupportedPayload{Params: params}
	}

	return cmd
}

// decimalParam reads a numeric parameter that may arrive as a number or a string
func decimalParam(params map[string]interface{}, key string) (decimal.Decimal, bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return decimal.Zero, false, nil
	}

	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true, nil
	case int:
		return decimal.NewFromInt(int64(v)), true, nil
	case int64:
		return decimal.NewFromInt(v), true, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, true, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("invalid %s: unexpected %T", key, raw)
	}
}

// FormatLiters renders a volume the way the firmware expects: always one decimal at least
func FormatLiters(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// FormatMillis renders a duration as whole milliseconds
func FormatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// CommandStatus is the terminal outcome reported for a command
type CommandStatus string

const (
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// CommandResult is reported back to the control plane once per command
type CommandResult struct {
	Status    CommandStatus `json:"status"`
	Message   string        `json:"result_message"`
	RawOutput string        `json:"raw_output,omitempty"`
	RawError  string        `json:"raw_error,omitempty"`
}

// Completed builds a successful result
func Completed(message, output string) CommandResult {
	return CommandResult{Status: CommandStatusCompleted, Message: message, RawOutput: output}
}

// Failed builds a failed result
func Failed(message string, err error) CommandResult {
	result := CommandResult{Status: CommandStatusFailed, Message: message}
	if err != nil {
		result.RawError = err.Error()
	}
	return result
}
