// internal/fleet/manager.go
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"growdash-agent/internal/controlplane"
	"growdash-agent/internal/model"
	"growdash-agent/internal/protocol"
	"growdash-agent/internal/registry"
	"growdash-agent/internal/utils"
	"growdash-agent/internal/worker"
)

var (
	// ErrDeviceNotFound is returned when no running worker has the identity
	ErrDeviceNotFound = errors.New("device not found")
	// ErrStopAbandoned is returned when a worker outlived the stop grace
	ErrStopAbandoned = errors.New("worker stop abandoned")
)

// Scanner enumerates attached endpoints
type Scanner interface {
	Scan(ctx context.Context) []model.EndpointDescriptor
}

// Classifier maps an endpoint to a board type
type Classifier interface {
	Classify(d model.EndpointDescriptor) model.BoardClassification
}

// Registry is the subset of the board registry the fleet consults
type Registry interface {
	Lookup(d model.EndpointDescriptor) (model.BoardClassification, bool)
	Upsert(d model.EndpointDescriptor, c model.BoardClassification) model.RegistryEntry
	Refresh(ctx context.Context, mode registry.RefreshMode) (int, error)
}

// Options configures reconciliation
type Options struct {
	ScanInterval time.Duration
	StopGrace    time.Duration
	BaudRate     int
}

type managedDevice struct {
	key       string
	identity  model.DeviceIdentity
	path      string
	board     model.BoardClassification
	state     model.WorkerState
	worker    *worker.Worker
	channel   protocol.Exchanger
	cancel    context.CancelFunc
	startedAt time.Time
}

// Manager keeps exactly one worker per attached board. Each key moves
// through absent, starting, running and stopping; a key that is stopping is
// not started again until the stop resolves.
type Manager struct {
	scanner    Scanner
	registry   Registry
	classifier Classifier
	open       protocol.OpenFunc
	client     controlplane.Client
	events     worker.EventSink
	workerCfg  worker.Config
	opts       Options
	baseLogger *zap.Logger
	logger     *utils.ServiceLogger

	// parent of every worker context, cancelled by Shutdown
	ctx    context.Context
	cancel context.CancelFunc

	reconcileMu   sync.Mutex
	closed        bool
	lastReconcile time.Time

	mu      sync.Mutex
	devices map[string]*managedDevice
	stops   sync.WaitGroup
}

// NewManager creates a fleet manager
func NewManager(
	scanner Scanner,
	reg Registry,
	classifier Classifier,
	open protocol.OpenFunc,
	client controlplane.Client,
	events worker.EventSink,
	workerCfg worker.Config,
	opts Options,
	logger *zap.Logger,
) *Manager {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		scanner:    scanner,
		registry:   reg,
		classifier: classifier,
		open:       open,
		client:     client,
		events:     events,
		workerCfg:  workerCfg,
		opts:       opts,
		baseLogger: logger,
		logger:     utils.NewServiceLogger(logger, "fleet-manager"),
		ctx:        ctx,
		cancel:     cancel,
		devices:    make(map[string]*managedDevice),
	}
}

// Run reconciles immediately and then on every scan interval until ctx ends
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Fleet manager started", zap.Duration("scan_interval", m.opts.ScanInterval))

	m.Reconcile(ctx)

	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Fleet manager loop stopped")
			return nil
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile runs one scan and starts or stops workers to match it. It
// never waits for a worker to stop.
func (m *Manager) Reconcile(ctx context.Context) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	if m.closed {
		return
	}

	present := make(map[string]model.EndpointDescriptor)
	for _, ep := range m.scanner.Scan(ctx) {
		if ep.IsSerial() {
			present[ep.Key()] = ep
		}
	}

	m.mu.Lock()
	var vanished []*managedDevice
	for key, dev := range m.devices {
		if _, ok := present[key]; !ok && dev.state == model.WorkerRunning {
			dev.state = model.WorkerStopping
			vanished = append(vanished, dev)
		}
	}
	m.mu.Unlock()

	for _, dev := range vanished {
		m.stopAsync(dev)
	}

	keys := make([]string, 0, len(present))
	for key := range present {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	defer func() {
		m.mu.Lock()
		m.lastReconcile = time.Now()
		m.mu.Unlock()
	}()

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if _, exists := m.devices[key]; exists {
			m.mu.Unlock()
			continue
		}
		// the same node under another key, e.g. ids missing from one scan
		if holder, held := m.pathHolder(present[key].Path); held {
			m.mu.Unlock()
			m.logger.Debug("Port still held by a stopping worker, start deferred",
				zap.String("key", key),
				zap.String("held_by", holder),
				zap.String("port", present[key].Path))
			continue
		}
		dev := &managedDevice{key: key, path: present[key].Path, state: model.WorkerStarting}
		m.devices[key] = dev
		m.mu.Unlock()

		m.start(ctx, dev, present[key])
	}
}

// pathHolder returns the key of a device already using path. Callers hold m.mu.
func (m *Manager) pathHolder(path string) (string, bool) {
	for key, dev := range m.devices {
		if dev.path == path {
			return key, true
		}
	}
	return "", false
}

func (m *Manager) start(ctx context.Context, dev *managedDevice, d model.EndpointDescriptor) {
	board, cached := m.registry.Lookup(d)
	if !cached {
		board = m.classifier.Classify(d)
		m.registry.Upsert(d, board)
		if _, err := m.registry.Refresh(ctx, registry.ModeAsync); err != nil {
			m.logger.Warn("Failed to schedule registry refresh", zap.Error(err))
		}
	}

	identity := model.NewDeviceIdentity(d)

	ch, err := m.open(d.Path, m.opts.BaudRate)
	if err != nil {
		m.mu.Lock()
		delete(m.devices, dev.key)
		m.mu.Unlock()

		m.logger.Warn("Failed to open device, will retry on next scan",
			zap.String("device_id", identity.String()),
			zap.String("port", d.Path),
			zap.Error(err))
		m.publish(model.EventDeviceStartFailed, identity, map[string]interface{}{
			"key":   dev.key,
			"port":  d.Path,
			"error": err.Error(),
		})
		return
	}

	w := worker.New(identity, dev.key, board, ch, m.client, m.events, m.workerCfg, m.baseLogger)
	wctx, cancel := context.WithCancel(m.ctx)
	w.Start(wctx)

	m.mu.Lock()
	dev.identity = identity
	dev.board = board
	dev.worker = w
	dev.channel = ch
	dev.cancel = cancel
	dev.startedAt = w.StartedAt()
	dev.state = model.WorkerRunning
	m.mu.Unlock()

	m.logger.Info("Device worker started",
		zap.String("device_id", identity.String()),
		zap.String("port", d.Path),
		zap.String("board_type", string(board.BoardType)),
		zap.String("confidence", string(board.Confidence)),
		zap.Bool("cached_classification", cached))
	m.publish(model.EventDeviceAttached, identity, map[string]interface{}{
		"key":        dev.key,
		"port":       d.Path,
		"board_type": string(board.BoardType),
		"board_name": board.BoardName,
		"confidence": string(board.Confidence),
	})
}

func (m *Manager) stopAsync(dev *managedDevice) {
	m.stops.Add(1)
	go func() {
		defer m.stops.Done()
		m.stop(dev)
	}()
}

// stop cancels the worker and closes its channel, then waits up to the
// grace period. A worker that does not finish is abandoned.
func (m *Manager) stop(dev *managedDevice) error {
	dev.cancel()
	if err := dev.channel.Close(); err != nil {
		m.logger.Debug("Channel close reported error",
			zap.String("device_id", dev.identity.String()),
			zap.Error(err))
	}

	var result error
	timer := time.NewTimer(m.opts.StopGrace)
	defer timer.Stop()

	select {
	case <-dev.worker.Done():
		m.logger.Info("Device worker stopped",
			zap.String("device_id", dev.identity.String()),
			zap.String("port", dev.path))
	case <-timer.C:
		result = fmt.Errorf("%w: %s", ErrStopAbandoned, dev.identity)
		m.logger.Error("Device worker did not stop within grace period, abandoning",
			zap.String("device_id", dev.identity.String()),
			zap.String("port", dev.path),
			zap.Duration("grace", m.opts.StopGrace))
		m.publish(model.EventDeviceStopAbandoned, dev.identity, map[string]interface{}{
			"key":   dev.key,
			"port":  dev.path,
			"grace": m.opts.StopGrace.String(),
		})
	}

	m.mu.Lock()
	if m.devices[dev.key] == dev {
		delete(m.devices, dev.key)
	}
	m.mu.Unlock()

	m.publish(model.EventDeviceDetached, dev.identity, map[string]interface{}{
		"key":  dev.key,
		"port": dev.path,
	})
	return result
}

// Shutdown stops every worker in parallel and waits for stops already in
// flight. It returns ErrStopAbandoned if any worker had to be abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.closed = true

	m.mu.Lock()
	var running []*managedDevice
	for _, dev := range m.devices {
		if dev.state == model.WorkerRunning {
			dev.state = model.WorkerStopping
			running = append(running, dev)
		}
	}
	m.mu.Unlock()

	m.logger.Info("Stopping all device workers", zap.Int("workers", len(running)))

	g, _ := errgroup.WithContext(ctx)
	for _, dev := range running {
		dev := dev
		g.Go(func() error {
			return m.stop(dev)
		})
	}
	err := g.Wait()

	m.cancel()

	inflight := make(chan struct{})
	go func() {
		m.stops.Wait()
		close(inflight)
	}()

	select {
	case <-inflight:
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for pending stops: %w", ctx.Err())
	}

	return err
}

// Snapshot returns the state of every tracked key ordered by key
func (m *Manager) Snapshot() []model.DeviceWorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]model.DeviceWorkerState, 0, len(m.devices))
	for _, dev := range m.devices {
		s := model.DeviceWorkerState{
			Identity:   dev.identity,
			Key:        dev.key,
			Path:       dev.path,
			BoardType:  dev.board.BoardType,
			Confidence: dev.board.Confidence,
			State:      dev.state,
			StartedAt:  dev.startedAt,
		}
		if dev.worker != nil {
			s.LastActivity = dev.worker.LastActivity()
		}
		states = append(states, s)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return states
}

// LastReconcile returns when the last scan pass finished; zero before the first
func (m *Manager) LastReconcile() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReconcile
}

// State returns the lifecycle state of key
func (m *Manager) State(key string) model.WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dev, ok := m.devices[key]; ok {
		return dev.state
	}
	return model.WorkerAbsent
}

// Worker returns the running worker with the given identity
func (m *Manager) Worker(identity model.DeviceIdentity) (*worker.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dev := range m.devices {
		if dev.identity == identity && dev.state == model.WorkerRunning {
			return dev.worker, true
		}
	}
	return nil, false
}

// Exchange runs a debug exchange on the worker with the given identity
func (m *Manager) Exchange(ctx context.Context, identity model.DeviceIdentity, line string, timeout time.Duration) (string, string, error) {
	w, ok := m.Worker(identity)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrDeviceNotFound, identity)
	}
	return w.DebugExchange(ctx, line, timeout)
}

func (m *Manager) publish(eventType model.EventType, identity model.DeviceIdentity, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(model.NewEvent(eventType, "fleet", identity.String(), data))
}
