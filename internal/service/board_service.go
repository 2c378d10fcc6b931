// internal/service/board_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/config"
	"growdash-agent/internal/model"
	"growdash-agent/internal/registry"
	"growdash-agent/internal/utils"
)

// ErrNoBoard is returned when the registry holds no matching serial board
var ErrNoBoard = errors.New("no matching board in registry")

// BoardRegistry is the part of the board registry the local API reads and drives
type BoardRegistry interface {
	All() map[string]model.RegistryEntry
	IsStale(entry model.RegistryEntry, maxAge time.Duration) bool
	DefaultPort() (string, bool)
	PortForBoard(boardType model.BoardType) (string, bool)
	Refresh(ctx context.Context, mode registry.RefreshMode) (int, error)
	Cleanup(maxAge time.Duration) int
	Age() (time.Duration, bool)
	Len() int
	Dirty() bool
	StorePath() string
}

// BoardService exposes the persisted board registry to the local API
type BoardService struct {
	registry BoardRegistry
	events   EventPublisher
	config   *config.Config
	logger   *utils.ServiceLogger
}

// EventPublisher receives local fleet events
type EventPublisher interface {
	Publish(event model.Event)
}

// NewBoardService creates a new board service
func NewBoardService(registry BoardRegistry, events EventPublisher, config *config.Config, logger *zap.Logger) *BoardService {
	return &BoardService{
		registry: registry,
		events:   events,
		config:   config,
		logger:   utils.NewServiceLogger(logger, "board-service"),
	}
}

// ListBoards returns registry entries ordered by key
func (bs *BoardService) ListBoards(filter *BoardFilter) []BoardEntry {
	entries := bs.registry.All()

	result := make([]BoardEntry, 0, len(entries))
	for key, e := range entries {
		if filter != nil {
			if filter.Kind != "" && e.Kind != filter.Kind {
				continue
			}
			if filter.BoardType != "" && e.BoardType != filter.BoardType {
				continue
			}
		}
		result = append(result, BoardEntry{
			Key:           key,
			RegistryEntry: e,
			Stale:         bs.registry.IsStale(e, bs.config.Registry.MaxAge),
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// DefaultPort picks the port a single-board setup should use. An empty
// boardType means any serial board, preferring identified ones.
func (bs *BoardService) DefaultPort(boardType model.BoardType) (*PortResult, error) {
	var (
		port string
		ok   bool
	)
	if boardType == "" {
		port, ok = bs.registry.DefaultPort()
	} else {
		port, ok = bs.registry.PortForBoard(boardType)
	}
	if !ok {
		if boardType == "" {
			return nil, ErrNoBoard
		}
		return nil, fmt.Errorf("%w: %s", ErrNoBoard, boardType)
	}

	return &PortResult{Port: port, BoardType: boardType}, nil
}

// Refresh rescans and reclassifies. In async mode the call returns at once
// and Count is zero.
func (bs *BoardService) Refresh(ctx context.Context, modeValue string) (*RefreshResult, error) {
	mode, err := registry.ParseRefreshMode(modeValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	count, err := bs.registry.Refresh(ctx, mode)
	if err != nil {
		return nil, err
	}

	result := &RefreshResult{Mode: mode, Count: count, Scheduled: mode == registry.ModeAsync}
	if mode == registry.ModeSync {
		result.Total = bs.registry.Len()
	}
	return result, nil
}

// Cleanup drops entries not seen within maxAge. An empty value uses the
// configured cleanup age.
func (bs *BoardService) Cleanup(maxAgeValue string) (*CleanupResult, error) {
	maxAge := bs.config.Registry.CleanupAge
	if maxAgeValue != "" {
		parsed, err := time.ParseDuration(maxAgeValue)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%w: max_age must be a positive duration", ErrInvalidRequest)
		}
		maxAge = parsed
	}

	removed := bs.registry.Cleanup(maxAge)
	remaining := bs.registry.Len()

	if removed > 0 {
		bs.logger.Info("Registry cleanup removed entries",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining),
			zap.Duration("max_age", maxAge))
		if bs.events != nil {
			bs.events.Publish(model.NewEvent(model.EventRegistryCleaned, "registry", "", map[string]interface{}{
				"removed":   removed,
				"remaining": remaining,
				"max_age":   maxAge.String(),
			}))
		}
	}

	return &CleanupResult{Removed: removed, Remaining: remaining, MaxAge: maxAge.String()}, nil
}

// Status summarizes the registry for health checks
func (bs *BoardService) Status() *RegistryStatus {
	status := &RegistryStatus{
		Path:    bs.registry.StorePath(),
		Entries: bs.registry.Len(),
		Dirty:   bs.registry.Dirty(),
	}
	if age, ok := bs.registry.Age(); ok {
		status.Age = age.Round(time.Second).String()
		status.Stale = age > bs.config.Registry.MaxAge
	}
	return status
}

// BoardFilter narrows ListBoards
type BoardFilter struct {
	Kind      model.EntryKind `form:"kind"`
	BoardType model.BoardType `form:"board_type"`
}

// BoardEntry is a registry entry with its key
type BoardEntry struct {
	Key string `json:"key"`
	model.RegistryEntry
	Stale bool `json:"stale"`
}

// PortResult is the chosen default port
type PortResult struct {
	Port      string          `json:"port"`
	BoardType model.BoardType `json:"board_type,omitempty"`
}

// RefreshResult reports a registry refresh
type RefreshResult struct {
	Mode      registry.RefreshMode `json:"mode"`
	Count     int                  `json:"count"`
	Total     int                  `json:"total,omitempty"`
	Scheduled bool                 `json:"scheduled"`
}

// CleanupResult reports a registry cleanup
type CleanupResult struct {
	Removed   int    `json:"removed"`
	Remaining int    `json:"remaining"`
	MaxAge    string `json:"max_age"`
}

// RegistryStatus describes the persisted registry
type RegistryStatus struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Age     string `json:"age,omitempty"`
	Stale   bool   `json:"stale"`
	Dirty   bool   `json:"dirty"`
}
