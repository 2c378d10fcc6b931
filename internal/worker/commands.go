// internal/worker/commands.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
	"growdash-agent/internal/protocol"
	"growdash-agent/internal/utils"
)

const (
	msgAcceptedNoResponse = "accepted, no immediate response"
	msgUnsupported        = "unsupported command type"
)

// serialRequest is the serial form of a board-targeted command
type serialRequest struct {
	line  string
	class model.CommandClass
}

// renderCommand maps a payload onto the line the firmware understands.
// ok is false for payloads that are not sent to the board.
func renderCommand(payload model.CommandPayload) (req serialRequest, ok bool) {
	switch p := payload.(type) {
	case model.SerialPayload:
		class := model.CommandClassQuery
		if p.Actuator {
			class = model.CommandClassActuator
		}
		return serialRequest{line: p.Line, class: class}, true
	case model.SprayPayload:
		if p.Duration > 0 {
			return serialRequest{line: "Spray " + model.FormatMillis(p.Duration), class: model.CommandClassActuator}, true
		}
		return serialRequest{line: "SprayOn", class: model.CommandClassActuator}, true
	case model.SprayOffPayload:
		return serialRequest{line: "SprayOff", class: model.CommandClassActuator}, true
	case model.FillPayload:
		return serialRequest{line: "FillL " + model.FormatLiters(p.TargetLiters), class: model.CommandClassActuator}, true
	case model.FillStopPayload:
		return serialRequest{line: "CancelFill", class: model.CommandClassActuator}, true
	case model.StatusQueryPayload:
		return serialRequest{line: "Status", class: model.CommandClassQuery}, true
	case model.TDSQueryPayload:
		return serialRequest{line: "TDS", class: model.CommandClassQuery}, true
	case model.InvalidPayload, model.UnsupportedPayload:
		return serialRequest{}, false
	default:
		return serialRequest{}, false
	}
}

// execute runs one command and builds the result reported upstream
func (w *Worker) execute(ctx context.Context, cmd model.Command) model.CommandResult {
	op := utils.NewOperationLogger(w.logger.Logger, string(cmd.Type), cmd.ID)
	op.Start(zap.String("device_id", w.identity.String()))

	result := w.dispatch(ctx, cmd)

	if result.Status == model.CommandStatusCompleted {
		op.Success(zap.String("message", result.Message))
	} else {
		op.Error(errors.New(result.Message), zap.String("raw_error", result.RawError))
	}
	return result
}

func (w *Worker) dispatch(ctx context.Context, cmd model.Command) model.CommandResult {
	switch p := cmd.Payload.(type) {
	case model.InvalidPayload:
		return model.Failed(p.Reason, nil)
	case model.UnsupportedPayload:
		return model.Failed(msgUnsupported, fmt.Errorf("%s: %s", msgUnsupported, cmd.Type))
	case nil:
		return model.Failed(msgUnsupported, fmt.Errorf("%s: %s", msgUnsupported, cmd.Type))
	}

	req, ok := renderCommand(cmd.Payload)
	if !ok {
		return model.Failed(msgUnsupported, fmt.Errorf("%s: %s", msgUnsupported, cmd.Type))
	}

	timeout := w.cfg.ExchangeTimeout
	if req.class == model.CommandClassActuator && w.cfg.ActuatorTimeout > 0 {
		timeout = w.cfg.ActuatorTimeout
	}

	response, err := w.Exchange(ctx, req.line, timeout)
	switch {
	case err == nil:
		return model.Completed(response, response)
	case errors.Is(err, protocol.ErrTimeout) && req.class == model.CommandClassActuator:
		return model.Completed(msgAcceptedNoResponse, "")
	case errors.Is(err, protocol.ErrTimeout):
		return model.Failed("no response from board", err)
	default:
		return model.Failed(fmt.Sprintf("exchange failed: %v", err), err)
	}
}

// DebugExchange runs a one-off exchange for the local API and returns an id
// that correlates the log lines
func (w *Worker) DebugExchange(ctx context.Context, line string, timeout time.Duration) (string, string, error) {
	id := uuid.NewString()
	w.logger.Info("Debug exchange requested", zap.String("exchange_id", id), zap.String("command", line))
	if timeout <= 0 {
		timeout = w.cfg.ExchangeTimeout
	}
	response, err := w.Exchange(ctx, line, timeout)
	return id, response, err
}
