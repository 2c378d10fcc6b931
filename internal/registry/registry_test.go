package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"growdash-agent/internal/classifier"
	"growdash-agent/internal/model"
)

type fakeScanner struct {
	mu        sync.Mutex
	endpoints []model.EndpointDescriptor
	calls     atomic.Int32
	gate      chan struct{}
}

func (s *fakeScanner) Scan(context.Context) []model.EndpointDescriptor {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EndpointDescriptor(nil), s.endpoints...)
}

func (s *fakeScanner) set(endpoints ...model.EndpointDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = endpoints
}

type flakyStore struct {
	EntryStore
	fail atomic.Bool
}

func (s *flakyStore) Save(entries map[string]model.RegistryEntry) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.EntryStore.Save(entries)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	unoOnACM0 = model.EndpointDescriptor{
		Path:        "/dev/ttyACM0",
		VendorID:    "2341",
		ProductID:   "0043",
		Description: "Arduino Uno",
	}
	widgetOnUSB0 = model.EndpointDescriptor{
		Path:        "/dev/ttyUSB0",
		VendorID:    "ffff",
		ProductID:   "ffff",
		Description: "Generic Widget",
	}
)

func newTestRegistry(t *testing.T, scanner Scanner, opts Options) (*Registry, *clock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boards.json")
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	r := New(NewFileStore(path, zap.NewNop()), scanner, classifier.New(), zap.NewNop(), opts)
	r.SetClock(clk.Now)
	return r, clk, path
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeScanner{}, Options{})

	entries, err := r.Load()

	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadCorruptFileIsEmptyWithError(t *testing.T) {
	r, _, path := newTestRegistry(t, &fakeScanner{}, Options{})
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	entries, err := r.Load()

	assert.Error(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, r.Len())
}

func TestRefreshThenLoadRoundTrip(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0, widgetOnUSB0)
	r, clk, path := newTestRegistry(t, scanner, Options{})

	count, err := r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, r.Dirty())

	reloaded := New(NewFileStore(path, zap.NewNop()), scanner, classifier.New(), zap.NewNop(), Options{})
	entries, err := reloaded.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	uno := entries["2341:0043@/dev/ttyACM0"]
	assert.Equal(t, model.BoardArduinoUno, uno.BoardType)
	assert.Equal(t, model.ConfidenceIdentifierMatch, uno.Confidence)
	assert.Equal(t, "/dev/ttyACM0", uno.Path)
	assert.True(t, clk.Now().Equal(uno.LastSeen))

	widget := entries["ffff:ffff@/dev/ttyUSB0"]
	assert.Equal(t, model.BoardGenericSerial, widget.BoardType)
	assert.Equal(t, model.ConfidenceDefault, widget.Confidence)
	assert.Equal(t, "Generic Widget", widget.Description)
}

func TestRefreshUpsertsWithoutClearing(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0)
	r, clk, _ := newTestRegistry(t, scanner, Options{})

	_, err := r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	scanner.set(widgetOnUSB0)
	_, err = r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)

	entries := r.All()
	require.Len(t, entries, 2)
	assert.Equal(t, time.Minute, clk.Now().Sub(entries[unoOnACM0.Key()].LastSeen))
}

func TestIsStaleBoundary(t *testing.T) {
	r, clk, _ := newTestRegistry(t, &fakeScanner{}, Options{})
	entry := model.RegistryEntry{LastSeen: clk.Now().Add(-time.Hour)}

	assert.False(t, r.IsStale(entry, time.Hour))
	assert.True(t, r.IsStale(entry, time.Hour-time.Nanosecond))
	assert.False(t, r.IsStale(model.RegistryEntry{LastSeen: clk.Now()}, 0))
}

func TestCleanupRemovesVanishedBoards(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0, widgetOnUSB0)
	r, clk, path := newTestRegistry(t, scanner, Options{})

	_, err := r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	scanner.set(widgetOnUSB0)
	_, err = r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	removed := r.Cleanup(24 * time.Hour)

	assert.Equal(t, 1, removed)
	_, ok := r.Get(unoOnACM0.Key())
	assert.False(t, ok)

	reloaded, err := NewFileStore(path, zap.NewNop()).Load()
	require.NoError(t, err)
	assert.Len(t, reloaded, 1)
	assert.Contains(t, reloaded, widgetOnUSB0.Key())
}

func TestPersistFailureKeepsDirtyAndRetries(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0)
	path := filepath.Join(t.TempDir(), "boards.json")
	store := &flakyStore{EntryStore: NewFileStore(path, zap.NewNop())}
	store.fail.Store(true)

	r := New(store, scanner, classifier.New(), zap.NewNop(), Options{})

	count, err := r.Refresh(context.Background(), ModeSync)
	assert.ErrorIs(t, err, ErrRegistryPersist)
	assert.Equal(t, 1, count)
	assert.True(t, r.Dirty())
	assert.Equal(t, 1, r.Len())

	store.fail.Store(false)
	_, err = r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)
	assert.False(t, r.Dirty())

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestAsyncRefreshCoalesces(t *testing.T) {
	scanner := &fakeScanner{gate: make(chan struct{})}
	scanner.set(unoOnACM0)
	r, _, _ := newTestRegistry(t, scanner, Options{})

	done := make(chan int, 2)
	r.OnRefresh(func(count int, err error) {
		assert.NoError(t, err)
		done <- count
	})

	_, err := r.Refresh(context.Background(), ModeAsync)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return scanner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = r.Refresh(context.Background(), ModeAsync)
	require.NoError(t, err)

	close(scanner.gate)
	r.Wait()

	assert.Equal(t, int32(1), scanner.calls.Load())
	assert.Equal(t, 1, <-done)
	assert.Equal(t, 1, r.Len())
}

func TestAsyncRefreshOutlivesCallerContext(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0)
	r, _, _ := newTestRegistry(t, scanner, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Refresh(ctx, ModeAsync)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 1, r.Len())
}

func TestLookupAndUpsert(t *testing.T) {
	r, clk, _ := newTestRegistry(t, &fakeScanner{}, Options{MaxAge: time.Hour})

	_, ok := r.Lookup(unoOnACM0)
	assert.False(t, ok)

	r.Upsert(unoOnACM0, classifier.New().Classify(unoOnACM0))
	assert.True(t, r.Dirty())

	c, ok := r.Lookup(unoOnACM0)
	require.True(t, ok)
	assert.Equal(t, model.BoardArduinoUno, c.BoardType)

	clk.Advance(time.Hour + time.Second)
	_, ok = r.Lookup(unoOnACM0)
	assert.False(t, ok)
}

func TestReadsReturnCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t, &fakeScanner{}, Options{})
	r.Upsert(unoOnACM0, classifier.New().Classify(unoOnACM0))

	entry, ok := r.Get(unoOnACM0.Key())
	require.True(t, ok)
	entry.Capabilities[0] = "mutated"
	entry.BoardType = model.BoardESP32

	again, _ := r.Get(unoOnACM0.Key())
	assert.Equal(t, model.BoardArduinoUno, again.BoardType)
	assert.NotEqual(t, "mutated", again.Capabilities[0])
}

func TestPortQueries(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(
		widgetOnUSB0,
		model.EndpointDescriptor{Path: "/dev/ttyUSB1", VendorID: "10c4", ProductID: "ea60"},
		model.EndpointDescriptor{Path: "/dev/video0", Kind: model.EntryKindCamera, Description: "HD Webcam"},
	)
	r, _, _ := newTestRegistry(t, scanner, Options{IncludeCameras: true})

	_, err := r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)

	port, ok := r.DefaultPort()
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB1", port)

	port, ok = r.PortForBoard(model.BoardESP32)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB1", port)

	_, ok = r.PortForBoard(model.BoardArduinoNano)
	assert.False(t, ok)

	assert.Len(t, r.SerialEntries(), 2)
	cameras := r.Cameras()
	require.Len(t, cameras, 1)
	assert.Equal(t, "HD Webcam", cameras["/dev/video0"].BoardName)
}

func TestCamerasSkippedByDefault(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(model.EndpointDescriptor{Path: "/dev/video0", Kind: model.EntryKindCamera})
	r, _, _ := newTestRegistry(t, scanner, Options{})

	count, err := r.Refresh(context.Background(), ModeSync)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, r.Cameras())
}

func TestRefreshIfStale(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(unoOnACM0)
	r, clk, _ := newTestRegistry(t, scanner, Options{})

	_, ok := r.Age()
	assert.False(t, ok)
	assert.True(t, r.RefreshIfStale(context.Background(), time.Hour, ModeSync))

	clk.Advance(30 * time.Minute)
	age, ok := r.Age()
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, age)
	assert.False(t, r.RefreshIfStale(context.Background(), time.Hour, ModeSync))

	clk.Advance(31 * time.Minute)
	assert.True(t, r.RefreshIfStale(context.Background(), time.Hour, ModeSync))
	assert.Equal(t, int32(2), scanner.calls.Load())
}

func TestParseRefreshMode(t *testing.T) {
	mode, err := ParseRefreshMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, mode)

	mode, err = ParseRefreshMode("async")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	_, err = ParseRefreshMode("later")
	assert.Error(t, err)
}
