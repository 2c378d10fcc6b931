// internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
	"growdash-agent/internal/utils"
)

// ErrRegistryPersist is returned when the registry could not be written.
// The in-memory state stays authoritative and the write is retried on the
// next refresh.
var ErrRegistryPersist = errors.New("registry persist failed")

// RefreshMode selects blocking or background refresh
type RefreshMode string

const (
	ModeSync  RefreshMode = "sync"
	ModeAsync RefreshMode = "async"
)

// ParseRefreshMode maps an API or config value to a mode
func ParseRefreshMode(s string) (RefreshMode, error) {
	switch RefreshMode(s) {
	case ModeSync, "":
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("unknown refresh mode: %s", s)
	}
}

// Scanner enumerates attached endpoints
type Scanner interface {
	Scan(ctx context.Context) []model.EndpointDescriptor
}

// Classifier maps an endpoint to a board type
type Classifier interface {
	Classify(d model.EndpointDescriptor) model.BoardClassification
}

// Options configures a Registry
type Options struct {
	// MaxAge bounds how old a cached classification may be for Lookup
	MaxAge         time.Duration
	IncludeCameras bool
}

// Registry is the single owner of the board registry. Writers are
// serialized; readers always receive copies.
type Registry struct {
	store      EntryStore
	scanner    Scanner
	classifier Classifier
	logger     *zap.Logger
	opts       Options
	now        func() time.Time

	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]model.RegistryEntry
	dirty   bool

	refreshing atomic.Bool
	background sync.WaitGroup

	callbackMu sync.RWMutex
	onRefresh  func(count int, err error)
}

// New creates a registry backed by store
func New(store EntryStore, scanner Scanner, classifier Classifier, logger *zap.Logger, opts Options) *Registry {
	return &Registry{
		store:      store,
		scanner:    scanner,
		classifier: classifier,
		logger:     logger.With(zap.String("component", "board-registry")),
		opts:       opts,
		now:        time.Now,
		entries:    make(map[string]model.RegistryEntry),
	}
}

// SetClock replaces the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// OnRefresh registers a callback run after every background refresh
func (r *Registry) OnRefresh(fn func(count int, err error)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onRefresh = fn
}

// Load replaces the in-memory state with the persisted registry. A missing
// file yields an empty registry without error; an unreadable one yields an
// empty registry and the error.
func (r *Registry) Load() (map[string]model.RegistryEntry, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	entries, err := r.store.Load()
	if err != nil {
		r.logger.Error("Failed to load board registry, starting empty",
			zap.String("path", r.store.Path()),
			zap.Error(err))
		entries = make(map[string]model.RegistryEntry)
	}

	r.mu.Lock()
	r.entries = entries
	r.dirty = false
	r.mu.Unlock()

	r.logger.Info("Board registry loaded",
		zap.String("path", r.store.Path()),
		zap.Int("entries", len(entries)))

	return r.All(), err
}

// IsStale reports whether entry was last seen more than maxAge ago
func (r *Registry) IsStale(entry model.RegistryEntry, maxAge time.Duration) bool {
	return r.now().Sub(entry.LastSeen) > maxAge
}

// Refresh rescans and upserts every attached endpoint. In async mode the
// refresh runs in the background and the call returns immediately with a
// zero count; a refresh already running in the background is not duplicated.
func (r *Registry) Refresh(ctx context.Context, mode RefreshMode) (int, error) {
	if mode != ModeAsync {
		return r.refresh(ctx)
	}

	if !r.refreshing.CompareAndSwap(false, true) {
		r.logger.Debug("Refresh already in flight, coalescing")
		return 0, nil
	}

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		defer r.refreshing.Store(false)

		count, err := r.refresh(context.WithoutCancel(ctx))

		r.callbackMu.RLock()
		cb := r.onRefresh
		r.callbackMu.RUnlock()
		if cb != nil {
			cb(count, err)
		}
	}()

	r.logger.Debug("Background refresh started")
	return 0, nil
}

// Wait blocks until background refreshes finish
func (r *Registry) Wait() {
	r.background.Wait()
}

func (r *Registry) refresh(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	op := utils.NewOperationLogger(r.logger, "registry_refresh", uuid.NewString())
	op.Start()

	endpoints := r.scanner.Scan(ctx)
	now := r.now()

	updates := make(map[string]model.RegistryEntry, len(endpoints))
	for _, ep := range endpoints {
		if !ep.IsSerial() && !r.opts.IncludeCameras {
			continue
		}
		var c model.BoardClassification
		if ep.IsSerial() {
			c = r.classifier.Classify(ep)
		} else {
			c = model.BoardClassification{
				BoardName:  cameraName(ep),
				Confidence: model.ConfidenceDefault,
			}
		}
		updates[ep.Key()] = model.NewRegistryEntry(ep, c, now)
	}

	r.mu.Lock()
	for key, entry := range updates {
		r.entries[key] = entry
	}
	r.dirty = true
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		op.Error(err, zap.Int("entries", len(updates)))
		return len(updates), err
	}

	op.Success(zap.Int("entries", len(updates)))
	return len(updates), nil
}

// RefreshIfStale refreshes when the registry is empty or its newest entry is
// older than maxAge. It reports whether a refresh was started.
func (r *Registry) RefreshIfStale(ctx context.Context, maxAge time.Duration, mode RefreshMode) bool {
	age, ok := r.Age()
	if ok && age <= maxAge {
		r.logger.Info("Registry is fresh, skipping refresh", zap.Duration("age", age))
		return false
	}

	r.logger.Info("Registry empty or stale, refreshing",
		zap.Duration("age", age),
		zap.String("mode", string(mode)))

	if _, err := r.Refresh(ctx, mode); err != nil {
		r.logger.Warn("Registry refresh failed", zap.Error(err))
	}
	return true
}

// Cleanup removes entries not seen within maxAge and returns how many were
// removed
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	var removed []string
	for key, entry := range r.entries {
		if r.IsStale(entry, maxAge) {
			delete(r.entries, key)
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		r.dirty = true
	}
	dirty := r.dirty
	r.mu.Unlock()

	for _, key := range removed {
		r.logger.Info("Stale registry entry removed", zap.String("key", key))
	}

	if dirty {
		if err := r.persist(); err != nil {
			r.logger.Warn("Registry cleanup not persisted", zap.Error(err))
		}
	}

	return len(removed)
}

// Upsert records a classification for one endpoint, seen now. It does not
// persist; the next refresh or cleanup does.
func (r *Registry) Upsert(d model.EndpointDescriptor, c model.BoardClassification) model.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := model.NewRegistryEntry(d, c, r.now())
	r.entries[d.Key()] = entry
	r.dirty = true
	return entry
}

// persist must be called with writeMu held
func (r *Registry) persist() error {
	r.mu.RLock()
	snapshot := copyEntries(r.entries)
	r.mu.RUnlock()

	if err := r.store.Save(snapshot); err != nil {
		r.logger.Error("Failed to persist board registry, will retry on next refresh",
			zap.String("path", r.store.Path()),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRegistryPersist, err)
	}

	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// Dirty reports whether in-memory changes are not yet on disk
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// Get returns a copy of the entry stored under key
func (r *Registry) Get(key string) (model.RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key]
	if !ok {
		return model.RegistryEntry{}, false
	}
	return copyEntry(entry), true
}

// Lookup returns the cached classification for d when one exists and is
// not older than the configured max age
func (r *Registry) Lookup(d model.EndpointDescriptor) (model.BoardClassification, bool) {
	entry, ok := r.Get(d.Key())
	if !ok || entry.Kind != model.EntryKindSerial {
		return model.BoardClassification{}, false
	}
	if r.opts.MaxAge > 0 && r.IsStale(entry, r.opts.MaxAge) {
		return model.BoardClassification{}, false
	}
	return entry.Classification(), true
}

// All returns a copy of every entry
func (r *Registry) All() map[string]model.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyEntries(r.entries)
}

// SerialEntries returns serial board entries only
func (r *Registry) SerialEntries() map[string]model.RegistryEntry {
	return r.filter(func(e model.RegistryEntry) bool { return e.Kind == model.EntryKindSerial })
}

// Cameras returns camera entries only
func (r *Registry) Cameras() map[string]model.RegistryEntry {
	return r.filter(func(e model.RegistryEntry) bool { return e.Kind == model.EntryKindCamera })
}

func (r *Registry) filter(keep func(model.RegistryEntry) bool) map[string]model.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.RegistryEntry)
	for key, entry := range r.entries {
		if keep(entry) {
			out[key] = copyEntry(entry)
		}
	}
	return out
}

// PortForBoard returns the path of the first registered board of the given
// type, ordered by path
func (r *Registry) PortForBoard(boardType model.BoardType) (string, bool) {
	for _, entry := range sortedByPath(r.SerialEntries()) {
		if entry.BoardType == boardType {
			return entry.Path, true
		}
	}
	return "", false
}

// DefaultPort returns the first serial port, preferring identified boards
// over generic ones
func (r *Registry) DefaultPort() (string, bool) {
	entries := sortedByPath(r.SerialEntries())
	for _, entry := range entries {
		if entry.BoardType != model.BoardGenericSerial {
			return entry.Path, true
		}
	}
	if len(entries) > 0 {
		return entries[0].Path, true
	}
	return "", false
}

// Age returns the time since the newest entry was seen. ok is false for an
// empty registry.
func (r *Registry) Age() (age time.Duration, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest time.Time
	for _, entry := range r.entries {
		if entry.LastSeen.After(newest) {
			newest = entry.LastSeen
		}
	}
	if newest.IsZero() {
		return 0, false
	}
	return r.now().Sub(newest), true
}

// Len returns the number of entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StorePath returns the registry file location
func (r *Registry) StorePath() string {
	return r.store.Path()
}

func cameraName(d model.EndpointDescriptor) string {
	if d.Description != "" {
		return d.Description
	}
	return "Camera " + model.PortName(d.Path)
}

func sortedByPath(entries map[string]model.RegistryEntry) []model.RegistryEntry {
	out := make([]model.RegistryEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func copyEntry(e model.RegistryEntry) model.RegistryEntry {
	e.Capabilities = append([]string(nil), e.Capabilities...)
	return e
}

func copyEntries(entries map[string]model.RegistryEntry) map[string]model.RegistryEntry {
	out := make(map[string]model.RegistryEntry, len(entries))
	for key, entry := range entries {
		out[key] = copyEntry(entry)
	}
	return out
}
