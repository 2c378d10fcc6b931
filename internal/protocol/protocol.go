// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPortUnavailable means the device node could not be opened
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrTimeout means no terminated line arrived before the deadline
	ErrTimeout = errors.New("exchange timed out")
	// ErrBusy means another exchange is still pending on the channel
	ErrBusy = errors.New("exchange already in flight")
	// ErrClosed means the channel was torn down
	ErrClosed = errors.New("channel closed")
)

// Exchanger is a line-oriented request/response channel to one board.
// At most one exchange is in flight at a time.
type Exchanger interface {
	Exchange(ctx context.Context, command string, timeout time.Duration) (string, error)
	Close() error
	IsOpen() bool
	Path() string
	Stats() Stats
	// Unsolicited drains lines the board sent while no exchange was pending
	Unsolicited() []string
}

// OpenFunc opens a channel to the device node at path
type OpenFunc func(path string, baud int) (Exchanger, error)

// Stats provides channel-level statistics
type Stats struct {
	Exchanges    uint64    `json:"exchanges"`
	Timeouts     uint64    `json:"timeouts"`
	Unsolicited  uint64    `json:"unsolicited_lines"`
	Discarded    uint64    `json:"discarded_lines"`
	BytesWritten uint64    `json:"bytes_written"`
	BytesRead    uint64    `json:"bytes_read"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
}
