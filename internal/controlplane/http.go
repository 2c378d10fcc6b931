// internal/controlplane/http.go
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/model"
)

const maxResponseBody = 1 << 20

// HTTPClient talks to the control plane REST API with device token auth
type HTTPClient struct {
	baseURL        string
	token          string
	client         *http.Client
	logger         *zap.Logger
	maxTries       uint
	retryWindow    time.Duration
	initialBackoff time.Duration
}

// NewHTTPClient creates a control plane client
func NewHTTPClient(cfg config.ControlPlaneConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tries := uint(1)
	if cfg.MaxRetries > 0 {
		tries += uint(cfg.MaxRetries)
	}

	return &HTTPClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.DeviceToken,
		client:         &http.Client{Timeout: timeout},
		logger:         logger.With(zap.String("component", "controlplane")),
		maxTries:       tries,
		retryWindow:    cfg.RetryWindow,
		initialBackoff: 250 * time.Millisecond,
	}
}

type envelope struct {
	Success  *bool         `json:"success,omitempty"`
	Message  string        `json:"message,omitempty"`
	Commands []wireCommand `json:"commands,omitempty"`
}

type wireCommand struct {
	ID        json.RawMessage        `json:"id"`
	Type      string                 `json:"type"`
	Params    map[string]interface{} `json:"params"`
	CreatedAt string                 `json:"created_at"`
}

type wireReading struct {
	SensorID  string    `json:"sensor_id"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Raw       string    `json:"raw,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReportTelemetry posts a batch of readings. An empty batch is not sent.
func (c *HTTPClient) ReportTelemetry(ctx context.Context, identity model.DeviceIdentity, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	wire := make([]wireReading, 0, len(readings))
	for _, r := range readings {
		wire = append(wire, wireReading{
			SensorID:  r.SensorID,
			Value:     r.Value.InexactFloat64(),
			Unit:      r.Unit,
			Raw:       r.Raw,
			Timestamp: r.Timestamp.UTC(),
		})
	}

	body := map[string]interface{}{
		"device_id": identity.String(),
		"readings":  wire,
	}
	if _, err := c.do(ctx, http.MethodPost, "/telemetry", identity, body); err != nil {
		return fmt.Errorf("failed to report telemetry: %w", err)
	}
	return nil
}

// PollPendingCommands fetches commands queued for the device
func (c *HTTPClient) PollPendingCommands(ctx context.Context, identity model.DeviceIdentity) ([]model.Command, error) {
	env, err := c.do(ctx, http.MethodGet, "/commands/pending", identity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll commands: %w", err)
	}

	commands := make([]model.Command, 0, len(env.Commands))
	for _, wc := range env.Commands {
		id := commandID(wc.ID)
		if id == "" {
			c.logger.Warn("Skipping command without id", zap.String("type", wc.Type))
			continue
		}
		cmd := model.DecodeCommand(id, wc.Type, wc.Params)
		if ts, err := time.Parse(time.RFC3339Nano, wc.CreatedAt); err == nil {
			cmd.CreatedAt = ts
		}
		commands = append(commands, cmd)
	}

	return commands, nil
}

// ReportCommandResult posts the outcome of one command
func (c *HTTPClient) ReportCommandResult(ctx context.Context, identity model.DeviceIdentity, commandID string, result model.CommandResult) error {
	path := "/commands/" + url.PathEscape(commandID) + "/result"
	if _, err := c.do(ctx, http.MethodPost, path, identity, result); err != nil {
		return fmt.Errorf("failed to report result for command %s: %w", commandID, err)
	}
	return nil
}

// ReportHeartbeat posts the worker liveness state
func (c *HTTPClient) ReportHeartbeat(ctx context.Context, identity model.DeviceIdentity, state model.HeartbeatState) error {
	body := map[string]interface{}{"last_state": state}
	if _, err := c.do(ctx, http.MethodPost, "/heartbeat", identity, body); err != nil {
		return fmt.Errorf("failed to report heartbeat: %w", err)
	}
	return nil
}

// do performs one API call. Transport errors, 429 and 5xx are retried with
// exponential backoff; other failures are permanent.
func (c *HTTPClient) do(ctx context.Context, method, path string, identity model.DeviceIdentity, body interface{}) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
	}

	attempt := 0
	operation := func() (*envelope, error) {
		attempt++

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("X-Device-ID", identity.String())
		req.Header.Set("X-Device-Token", c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Debug("Control plane request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("control plane returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, backoff.Permanent(fmt.Errorf("control plane returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}

		env := &envelope{}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, env); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		if env.Success != nil && !*env.Success {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, env.Message))
		}

		return env, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = 5 * time.Second

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
	}
	if c.retryWindow > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.retryWindow))
	}

	return backoff.Retry(ctx, operation, opts...)
}

// commandID accepts both numeric and string ids
func commandID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
