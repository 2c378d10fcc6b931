// internal/worker/worker.go
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/controlplane"
	"growdash-agent/internal/model"
	"growdash-agent/internal/protocol"
	"growdash-agent/internal/utils"
)

// Config holds the per-device loop settings
type Config struct {
	TelemetryInterval   time.Duration
	CommandPollInterval time.Duration
	HeartbeatInterval   time.Duration
	StartupDelay        time.Duration
	ExchangeTimeout     time.Duration
	ActuatorTimeout     time.Duration
	TelemetryQueries    []string
	AgentVersion        string
}

// NewConfig derives worker settings from the agent configuration
func NewConfig(cfg *config.Config) Config {
	return Config{
		TelemetryInterval:   cfg.Worker.TelemetryInterval,
		CommandPollInterval: cfg.Worker.CommandPollInterval,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		StartupDelay:        cfg.Worker.StartupDelay,
		ExchangeTimeout:     cfg.Serial.ExchangeTimeout,
		ActuatorTimeout:     cfg.Serial.ActuatorTimeout,
		TelemetryQueries:    append([]string(nil), cfg.Worker.TelemetryQueries...),
		AgentVersion:        cfg.App.Version,
	}
}

// EventSink receives local fleet events
type EventSink interface {
	Publish(event model.Event)
}

// Worker owns one serial channel and drives the telemetry, command and
// heartbeat loops for one physical board. It holds no reference to the
// fleet manager; it stops when its context is cancelled.
type Worker struct {
	identity model.DeviceIdentity
	key      string
	board    model.BoardClassification
	channel  protocol.Exchanger
	client   controlplane.Client
	events   EventSink
	cfg      Config
	logger   *utils.DeviceLogger
	host     hostProbe
	now      func() time.Time

	// one exchange at a time across all loops and the debug API
	exchangeMu sync.Mutex

	mu           sync.RWMutex
	startedAt    time.Time
	lastActivity time.Time

	startOnce sync.Once
	done      chan struct{}
}

// New creates a worker. The channel must already be open; the worker closes
// it when it stops.
func New(
	identity model.DeviceIdentity,
	key string,
	board model.BoardClassification,
	channel protocol.Exchanger,
	client controlplane.Client,
	events EventSink,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		identity: identity,
		key:      key,
		board:    board,
		channel:  channel,
		client:   client,
		events:   events,
		cfg:      cfg,
		logger:   utils.NewDeviceLogger(logger, identity.String(), string(board.BoardType), channel.Path()),
		host:     gopsutilProbe{},
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Identity returns the device identity
func (w *Worker) Identity() model.DeviceIdentity {
	return w.identity
}

// Key returns the endpoint key the worker was started for
func (w *Worker) Key() string {
	return w.key
}

// Board returns the classification the worker runs with
func (w *Worker) Board() model.BoardClassification {
	return w.board
}

// Path returns the device node path
func (w *Worker) Path() string {
	return w.channel.Path()
}

// Start launches the loops. Calling Start more than once has no effect.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.startedAt = w.now()
		w.mu.Unlock()

		go w.run(ctx)
	})
}

// Done is closed when every loop has returned and the channel is closed
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// StartedAt returns when the worker was started
func (w *Worker) StartedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.startedAt
}

// LastActivity returns the time of the last answered exchange
func (w *Worker) LastActivity() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastActivity
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.channel.Close(); err != nil {
			w.logger.LogConnection("close", false, err)
		}
	}()

	w.logger.LogConnection("worker_start", true, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.loop(ctx, "heartbeat", w.cfg.HeartbeatInterval, 0, w.heartbeat)
	}()
	go func() {
		defer wg.Done()
		w.loop(ctx, "telemetry", w.cfg.TelemetryInterval, w.cfg.StartupDelay, w.collectTelemetry)
	}()
	go func() {
		defer wg.Done()
		w.loop(ctx, "commands", w.cfg.CommandPollInterval, w.cfg.StartupDelay, w.processCommands)
	}()
	wg.Wait()

	w.logger.LogConnection("worker_stop", true, nil)
}

// loop runs tick once after delay and then on every interval until ctx ends
func (w *Worker) loop(ctx context.Context, name string, interval, delay time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		w.logger.Warn("Loop disabled, interval not positive", zap.String("loop", name))
		return
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Exchange sends one line to the board and returns its reply. Exchanges
// from all loops are serialized.
func (w *Worker) Exchange(ctx context.Context, line string, timeout time.Duration) (string, error) {
	w.exchangeMu.Lock()
	defer w.exchangeMu.Unlock()

	start := time.Now()
	response, err := w.channel.Exchange(ctx, line, timeout)
	w.logger.LogExchange(line, response, time.Since(start), err)

	if errors.Is(err, protocol.ErrBusy) {
		w.logger.LogAnomaly("exchange reported busy while holding the worker lock", zap.String("command", line))
	}
	if err == nil {
		w.mu.Lock()
		w.lastActivity = w.now()
		w.mu.Unlock()
	}

	return response, err
}

// collectTelemetry reports readings from lines the board pushed since the
// last tick, then from the configured queries
func (w *Worker) collectTelemetry(ctx context.Context) {
	var readings []model.Reading

	for _, line := range w.channel.Unsolicited() {
		readings = append(readings, model.ParseReadings(line, w.now().UTC())...)
	}

	for _, query := range w.cfg.TelemetryQueries {
		if ctx.Err() != nil {
			return
		}
		line, err := w.Exchange(ctx, query, w.cfg.ExchangeTimeout)
		if err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				return
			}
			continue
		}
		readings = append(readings, model.ParseReadings(line, w.now().UTC())...)
	}

	if len(readings) == 0 {
		return
	}

	if err := w.client.ReportTelemetry(ctx, w.identity, readings); err != nil {
		w.logger.Warn("Failed to report telemetry", zap.Int("readings", len(readings)), zap.Error(err))
		return
	}
	w.logger.Debug("Telemetry reported", zap.Int("readings", len(readings)))
}

func (w *Worker) processCommands(ctx context.Context) {
	commands, err := w.client.PollPendingCommands(ctx, w.identity)
	if err != nil {
		w.logger.Warn("Failed to poll pending commands", zap.Error(err))
		return
	}

	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}

		result := w.execute(ctx, cmd)

		if err := w.client.ReportCommandResult(ctx, w.identity, cmd.ID, result); err != nil {
			w.logger.Warn("Failed to report command result",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
		}

		if w.events != nil {
			w.events.Publish(model.NewEvent(model.EventCommandExecuted, "worker", w.identity.String(), map[string]interface{}{
				"command_id": cmd.ID,
				"type":       string(cmd.Type),
				"status":     string(result.Status),
				"message":    result.Message,
			}))
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	state := w.heartbeatState(ctx)
	if err := w.client.ReportHeartbeat(ctx, w.identity, state); err != nil {
		w.logger.Warn("Failed to report heartbeat", zap.Error(err))
	}
}
