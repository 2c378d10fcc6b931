// internal/protocol/serial/channel.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/protocol"
)

const (
	maxLineLength = 4096
	// unsolicited lines kept until the next drain; older ones are dropped
	maxUnsolicited = 64
)

// OpenerFunc adapts a function to Opener
type OpenerFunc func(path string, baud int) (Port, error)

// OpenPort calls f
func (f OpenerFunc) OpenPort(path string, baud int) (Port, error) {
	return f(path, baud)
}

// Dialer opens line channels on top of an Opener
type Dialer struct {
	opener Opener
	logger *zap.Logger
}

// NewDialer creates a dialer
func NewDialer(opener Opener, logger *zap.Logger) *Dialer {
	return &Dialer{opener: opener, logger: logger}
}

// Open opens path and starts its reader. Stale bytes buffered by the driver
// before the open are flushed.
func (d *Dialer) Open(path string, baud int) (protocol.Exchanger, error) {
	port, err := d.opener.OpenPort(path, baud)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", protocol.ErrPortUnavailable, path, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		d.logger.Debug("Failed to reset input buffer",
			zap.String("port", path),
			zap.Error(err))
	}

	d.logger.Info("Serial channel opened",
		zap.String("port", path),
		zap.Int("baud_rate", baud))

	return NewChannel(path, port, d.logger), nil
}

type exchangeResult struct {
	line string
	err  error
}

type pendingExchange struct {
	result chan exchangeResult
	once   sync.Once
}

func (p *pendingExchange) resolve(line string, err error) {
	p.once.Do(func() {
		p.result <- exchangeResult{line: line, err: err}
	})
}

// Channel is a request/response line channel over a serial port.
// A background reader splits the stream into lines; each line completes
// the pending exchange or, when none is pending, is kept for Unsolicited.
type Channel struct {
	path   string
	port   Port
	logger *zap.Logger

	mu      sync.Mutex
	pending *pendingExchange
	partial []byte
	// set when a partial line was dropped; bytes up to the next newline
	// belong to it and are skipped
	discardToEOL bool
	unsolicited  []string
	closed       bool
	stats        protocol.Stats

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannel wraps an open port and starts its reader
func NewChannel(path string, port Port, logger *zap.Logger) *Channel {
	now := time.Now()
	c := &Channel{
		path:    path,
		port:    port,
		logger:  logger.With(zap.String("port", path)),
		partial: make([]byte, 0, 128),
		done:    make(chan struct{}),
		stats: protocol.Stats{
			OpenedAt:     now,
			LastActivity: now,
		},
	}

	go c.readLoop()

	return c
}

// Exchange writes command plus a newline and waits for the next
// non-empty line. On timeout or cancellation the partially received
// line is discarded so it cannot answer a later exchange.
func (c *Channel) Exchange(ctx context.Context, command string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", protocol.ErrClosed
	}
	if c.pending != nil {
		c.mu.Unlock()
		return "", protocol.ErrBusy
	}
	p := &pendingExchange{result: make(chan exchangeResult, 1)}
	c.pending = p
	c.dropPartial()
	c.stats.Exchanges++
	c.mu.Unlock()

	n, err := c.port.Write([]byte(command + "\n"))

	c.mu.Lock()
	c.stats.BytesWritten += uint64(n)
	c.mu.Unlock()

	if err != nil {
		c.expire(p, fmt.Errorf("%w: write failed: %v", protocol.ErrClosed, err))
		c.shutdown(protocol.ErrClosed)
		r := <-p.result
		return "", r.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.line, r.err
	case <-timer.C:
		c.expire(p, protocol.ErrTimeout)
	case <-ctx.Done():
		c.expire(p, ctx.Err())
	}

	// A line that raced the deadline still wins
	r := <-p.result
	if errors.Is(r.err, protocol.ErrTimeout) {
		c.mu.Lock()
		c.stats.Timeouts++
		c.mu.Unlock()
	}
	return r.line, r.err
}

func (c *Channel) expire(p *pendingExchange, cause error) {
	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
		c.dropPartial()
	}
	c.mu.Unlock()

	p.resolve("", cause)
}

// dropPartial forgets the line being assembled, including its tail that is
// still on the wire. Callers hold c.mu.
func (c *Channel) dropPartial() {
	if len(c.partial) > 0 {
		c.partial = c.partial[:0]
		c.discardToEOL = true
	}
}

// Close tears the channel down. It is safe to call more than once and
// from any goroutine.
func (c *Channel) Close() error {
	return c.shutdown(protocol.ErrClosed)
}

func (c *Channel) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		p := c.pending
		c.pending = nil
		c.mu.Unlock()

		if p != nil {
			p.resolve("", cause)
		}
		close(c.done)

		err = c.port.Close()
		c.logger.Info("Serial channel closed", zap.NamedError("cause", cause))
	})
	return err
}

// IsOpen returns true until the channel is closed
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Path returns the device node path
func (c *Channel) Path() string {
	return c.path
}

// Stats returns a snapshot of channel statistics
func (c *Channel) Stats() protocol.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Unsolicited drains the lines that arrived while no exchange was pending,
// oldest first
func (c *Channel) Unsolicited() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsolicited) == 0 {
		return nil
	}
	lines := c.unsolicited
	c.unsolicited = nil
	return lines
}

// Done is closed once the channel shuts down
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			c.ingest(buf[:n])
		}
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", protocol.ErrClosed, err))
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Channel) ingest(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.BytesRead += uint64(len(data))

	for _, b := range data {
		if c.discardToEOL {
			if b == '\n' {
				c.discardToEOL = false
				c.stats.Discarded++
			}
			continue
		}
		if b != '\n' {
			if len(c.partial) < maxLineLength {
				c.partial = append(c.partial, b)
			}
			continue
		}

		line := strings.TrimSpace(string(c.partial))
		c.partial = c.partial[:0]
		if line == "" {
			continue
		}

		if c.pending == nil {
			c.keepUnsolicited(line)
			continue
		}

		p := c.pending
		c.pending = nil
		c.stats.LastActivity = time.Now()
		p.resolve(line, nil)
	}
}

func (c *Channel) keepUnsolicited(line string) {
	c.stats.Unsolicited++
	if len(c.unsolicited) >= maxUnsolicited {
		c.unsolicited = c.unsolicited[1:]
		c.stats.Discarded++
	}
	c.unsolicited = append(c.unsolicited, line)
	c.logger.Debug("Unsolicited line", zap.String("line", line))
}
