package fleet

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"growdash-agent/internal/classifier"
	"growdash-agent/internal/controlplane"
	"growdash-agent/internal/model"
	serialchan "growdash-agent/internal/protocol/serial"
	"growdash-agent/internal/registry"
	"growdash-agent/internal/worker"
)

// responderPort simulates a board that answers known commands after a
// short delay
type responderPort struct {
	replies map[string]string
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newResponderPort(replies map[string]string) *responderPort {
	return &responderPort{
		replies: replies,
		in:      make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
}

func (p *responderPort) Read(b []byte) (int, error) {
	select {
	case data := <-p.in:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *responderPort) Write(b []byte) (int, error) {
	if reply, ok := p.replies[strings.TrimSpace(string(b))]; ok {
		go func() {
			time.Sleep(20 * time.Millisecond)
			select {
			case p.in <- []byte(reply + "\r\n"):
			case <-p.closed:
			}
		}()
	}
	return len(b), nil
}

func (p *responderPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *responderPort) ResetInputBuffer() error { return nil }

type fakeScanner struct {
	mu        sync.Mutex
	endpoints []model.EndpointDescriptor
}

func (s *fakeScanner) Scan(context.Context) []model.EndpointDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EndpointDescriptor(nil), s.endpoints...)
}

func (s *fakeScanner) set(endpoints ...model.EndpointDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = endpoints
}

type fakeRegistry struct {
	mu        sync.Mutex
	cached    map[string]model.BoardClassification
	upserts   []string
	refreshes int
}

func (r *fakeRegistry) Lookup(d model.EndpointDescriptor) (model.BoardClassification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cached[d.Key()]
	return c, ok
}

func (r *fakeRegistry) Upsert(d model.EndpointDescriptor, c model.BoardClassification) model.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, d.Key())
	return model.NewRegistryEntry(d, c, time.Now())
}

func (r *fakeRegistry) Refresh(context.Context, registry.RefreshMode) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return 0, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) count(t model.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

var unoOnACM0 = model.EndpointDescriptor{
	Path:        "/dev/ttyACM0",
	VendorID:    "2341",
	ProductID:   "0043",
	Description: "Arduino Uno",
	Kind:        model.EntryKindSerial,
}

func quietWorkerConfig() worker.Config {
	return worker.Config{
		TelemetryInterval:   time.Hour,
		CommandPollInterval: time.Hour,
		HeartbeatInterval:   time.Hour,
		StartupDelay:        time.Hour,
		ExchangeTimeout:     5 * time.Second,
		ActuatorTimeout:     5 * time.Second,
	}
}

type harness struct {
	manager  *Manager
	scanner  *fakeScanner
	sink     *recordingSink
	client   *controlplane.MockClient
	opens    atomic.Int32
	openFail atomic.Bool
}

func newHarness(t *testing.T, reg Registry, grace time.Duration) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		scanner: &fakeScanner{},
		sink:    &recordingSink{},
		client:  controlplane.NewMockClient(ctrl),
	}

	dialer := serialchan.NewDialer(serialchan.OpenerFunc(func(path string, baud int) (serialchan.Port, error) {
		h.opens.Add(1)
		if h.openFail.Load() {
			return nil, errors.New("resource busy")
		}
		return newResponderPort(map[string]string{"STATUS": "dist_cm=20.3"}), nil
	}), zap.NewNop())

	h.manager = NewManager(h.scanner, reg, classifier.New(), dialer.Open, h.client, h.sink,
		quietWorkerConfig(), Options{ScanInterval: time.Hour, StopGrace: grace, BaudRate: 9600}, zap.NewNop())
	return h
}

func TestEndToEndKnownBoardExchange(t *testing.T) {
	reg := &fakeRegistry{}
	h := newHarness(t, reg, time.Second)
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.scanner.set(unoOnACM0)

	h.manager.Reconcile(context.Background())
	t.Cleanup(func() { h.manager.Shutdown(context.Background()) })

	assert.Equal(t, model.WorkerRunning, h.manager.State(unoOnACM0.Key()))
	assert.False(t, h.manager.LastReconcile().IsZero())

	snapshot := h.manager.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.DeviceIdentity("growdash-2341-0043-ttyACM0"), snapshot[0].Identity)
	assert.Equal(t, model.BoardArduinoUno, snapshot[0].BoardType)
	assert.Equal(t, model.ConfidenceIdentifierMatch, snapshot[0].Confidence)

	start := time.Now()
	_, response, err := h.manager.Exchange(context.Background(), "growdash-2341-0043-ttyACM0", "STATUS", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dist_cm=20.3", response)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{unoOnACM0.Key()}, reg.upserts)
	assert.Equal(t, 1, reg.refreshes)
	assert.Equal(t, 1, h.sink.count(model.EventDeviceAttached))

	h.manager.Reconcile(context.Background())
	assert.Equal(t, int32(1), h.opens.Load())
}

func TestCachedClassificationIsUsed(t *testing.T) {
	reg := &fakeRegistry{cached: map[string]model.BoardClassification{
		unoOnACM0.Key(): {BoardType: model.BoardArduinoNano, Confidence: model.ConfidenceKeywordHint},
	}}
	h := newHarness(t, reg, time.Second)
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.scanner.set(unoOnACM0)

	h.manager.Reconcile(context.Background())
	t.Cleanup(func() { h.manager.Shutdown(context.Background()) })

	snapshot := h.manager.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.BoardArduinoNano, snapshot[0].BoardType)
	assert.Empty(t, reg.upserts)
	assert.Zero(t, reg.refreshes)
}

func TestDisappearanceStopsWorkerAndKeepsRegistryEntry(t *testing.T) {
	scanner := &fakeScanner{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	reg := registry.New(registry.NewFileStore(filepath.Join(t.TempDir(), "boards.json"), zap.NewNop()),
		scanner, classifier.New(), zap.NewNop(), registry.Options{MaxAge: time.Hour})
	reg.SetClock(clock)

	h := newHarness(t, reg, time.Second)
	h.manager.scanner = scanner
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	scanner.set(unoOnACM0)
	h.manager.Reconcile(context.Background())
	reg.Wait()
	require.Equal(t, model.WorkerRunning, h.manager.State(unoOnACM0.Key()))

	scanner.set()
	h.manager.Reconcile(context.Background())

	require.Eventually(t, func() bool {
		return h.manager.State(unoOnACM0.Key()) == model.WorkerAbsent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.sink.count(model.EventDeviceDetached))
	assert.Zero(t, h.sink.count(model.EventDeviceStopAbandoned))

	_, ok := reg.Get(unoOnACM0.Key())
	assert.True(t, ok, "registry keeps the entry until cleanup")

	assert.Zero(t, reg.Cleanup(2*time.Hour))

	clockMu.Lock()
	now = now.Add(3 * time.Hour)
	clockMu.Unlock()

	assert.Equal(t, 1, reg.Cleanup(2*time.Hour))
	_, ok = reg.Get(unoOnACM0.Key())
	assert.False(t, ok)
}

func TestOpenFailureRetriesOnNextScan(t *testing.T) {
	h := newHarness(t, &fakeRegistry{}, time.Second)
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.scanner.set(unoOnACM0)
	h.openFail.Store(true)

	h.manager.Reconcile(context.Background())
	t.Cleanup(func() { h.manager.Shutdown(context.Background()) })

	assert.Equal(t, model.WorkerAbsent, h.manager.State(unoOnACM0.Key()))
	assert.Equal(t, 1, h.sink.count(model.EventDeviceStartFailed))

	h.openFail.Store(false)
	h.manager.Reconcile(context.Background())

	assert.Equal(t, model.WorkerRunning, h.manager.State(unoOnACM0.Key()))
	assert.Equal(t, int32(2), h.opens.Load())
}

func TestSlowStopKeepsSingleWorkerPerKey(t *testing.T) {
	h := newHarness(t, &fakeRegistry{}, 100*time.Millisecond)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var beats atomic.Int32
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, model.DeviceIdentity, model.HeartbeatState) error {
			// the first worker hangs and ignores cancellation
			if beats.Add(1) == 1 {
				<-release
			}
			return nil
		}).AnyTimes()

	h.scanner.set(unoOnACM0)
	h.manager.Reconcile(context.Background())
	require.Eventually(t, func() bool { return beats.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.scanner.set()
	h.manager.Reconcile(context.Background())
	assert.Equal(t, model.WorkerStopping, h.manager.State(unoOnACM0.Key()))

	// the board reappears while the stop is still pending
	h.scanner.set(unoOnACM0)
	h.manager.Reconcile(context.Background())
	assert.Equal(t, int32(1), h.opens.Load())
	assert.Equal(t, model.WorkerStopping, h.manager.State(unoOnACM0.Key()))

	require.Eventually(t, func() bool {
		return h.manager.State(unoOnACM0.Key()) == model.WorkerAbsent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.sink.count(model.EventDeviceStopAbandoned))

	h.manager.Reconcile(context.Background())
	assert.Equal(t, model.WorkerRunning, h.manager.State(unoOnACM0.Key()))
	assert.Equal(t, int32(2), h.opens.Load())

	require.NoError(t, h.manager.Shutdown(context.Background()))
}

func TestKeyChangeWaitsForStopOnSamePath(t *testing.T) {
	h := newHarness(t, &fakeRegistry{}, 100*time.Millisecond)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var beats atomic.Int32
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, model.DeviceIdentity, model.HeartbeatState) error {
			if beats.Add(1) == 1 {
				<-release
			}
			return nil
		}).AnyTimes()

	h.scanner.set(unoOnACM0)
	h.manager.Reconcile(context.Background())
	require.Eventually(t, func() bool { return beats.Load() == 1 }, time.Second, 5*time.Millisecond)

	// same node, but this scan lost the USB ids
	bare := model.EndpointDescriptor{Path: "/dev/ttyACM0", Kind: model.EntryKindSerial}
	require.NotEqual(t, unoOnACM0.Key(), bare.Key())

	h.scanner.set(bare)
	h.manager.Reconcile(context.Background())
	assert.Equal(t, model.WorkerStopping, h.manager.State(unoOnACM0.Key()))
	assert.Equal(t, model.WorkerAbsent, h.manager.State(bare.Key()))
	assert.Equal(t, int32(1), h.opens.Load())

	require.Eventually(t, func() bool {
		return h.manager.State(unoOnACM0.Key()) == model.WorkerAbsent
	}, time.Second, 5*time.Millisecond)

	h.manager.Reconcile(context.Background())
	assert.Equal(t, model.WorkerRunning, h.manager.State(bare.Key()))
	assert.Equal(t, int32(2), h.opens.Load())

	require.NoError(t, h.manager.Shutdown(context.Background()))
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	h := newHarness(t, &fakeRegistry{}, time.Second)
	h.client.EXPECT().ReportHeartbeat(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.scanner.set(
		unoOnACM0,
		model.EndpointDescriptor{Path: "/dev/ttyUSB0", VendorID: "ffff", ProductID: "ffff", Description: "Generic Widget"},
	)

	h.manager.Reconcile(context.Background())
	require.Len(t, h.manager.Snapshot(), 2)

	w, ok := h.manager.Worker("growdash-ffff-ffff-ttyUSB0")
	require.True(t, ok)
	assert.Equal(t, model.BoardGenericSerial, w.Board().BoardType)
	assert.Equal(t, model.ConfidenceDefault, w.Board().Confidence)

	require.NoError(t, h.manager.Shutdown(context.Background()))

	assert.Empty(t, h.manager.Snapshot())
	select {
	case <-w.Done():
	default:
		t.Fatal("worker still running after shutdown")
	}

	h.manager.Reconcile(context.Background())
	assert.Empty(t, h.manager.Snapshot())
}

func TestExchangeUnknownDevice(t *testing.T) {
	h := newHarness(t, &fakeRegistry{}, time.Second)

	_, _, err := h.manager.Exchange(context.Background(), "growdash-ttyACM9", "Status", time.Second)

	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.True(t, h.manager.LastReconcile().IsZero())
}
