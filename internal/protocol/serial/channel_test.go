package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"growdash-agent/internal/protocol"
)

// fakePort is an in-memory serial port. Reads block until the test pushes
// bytes or the port is closed.
type fakePort struct {
	incoming  chan []byte
	rest      []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written bytes.Buffer
	onWrite func(line string)
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.rest) == 0 {
		select {
		case p.rest = <-p.incoming:
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	default:
	}

	p.mu.Lock()
	p.written.Write(b)
	respond := p.onWrite
	p.mu.Unlock()

	if respond != nil {
		go respond(string(b))
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) ResetInputBuffer() error { return nil }

func (p *fakePort) push(s string) {
	p.incoming <- []byte(s)
}

func (p *fakePort) respondWith(chunks ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = func(string) {
		for _, c := range chunks {
			p.push(c)
		}
	}
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func newTestChannel(t *testing.T) (*Channel, *fakePort) {
	t.Helper()
	port := newFakePort()
	ch := NewChannel("/dev/ttyACM0", port, zap.NewNop())
	t.Cleanup(func() { ch.Close() })
	return ch, port
}

func TestExchangeReturnsFirstLine(t *testing.T) {
	ch, port := newTestChannel(t)
	port.respondWith("dist_cm=20.3\r\n")

	line, err := ch.Exchange(context.Background(), "Status", 200*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, "dist_cm=20.3", line)
	assert.Equal(t, "Status\n", port.writtenString())

	stats := ch.Stats()
	assert.Equal(t, uint64(1), stats.Exchanges)
	assert.Equal(t, uint64(7), stats.BytesWritten)
}

func TestExchangeSkipsEmptyLines(t *testing.T) {
	ch, port := newTestChannel(t)
	port.respondWith("\r\n", "\n", "OK\n")

	line, err := ch.Exchange(context.Background(), "Status", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestExchangeAssemblesSplitLine(t *testing.T) {
	ch, port := newTestChannel(t)
	port.respondWith("TDS=4", "12.5 pp", "m\n")

	line, err := ch.Exchange(context.Background(), "TDS", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "TDS=412.5 ppm", line)
}

func TestExchangeTimeout(t *testing.T) {
	ch, _ := newTestChannel(t)

	start := time.Now()
	_, err := ch.Exchange(context.Background(), "Status", 50*time.Millisecond)

	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(1), ch.Stats().Timeouts)
	assert.True(t, ch.IsOpen())
}

func TestLatePartialLineIsDiscarded(t *testing.T) {
	ch, port := newTestChannel(t)
	port.respondWith("stale")

	_, err := ch.Exchange(context.Background(), "Status", 50*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimeout)

	port.respondWith()
	port.push(" reply\n")
	require.Eventually(t, func() bool {
		return ch.Stats().Discarded == 1
	}, time.Second, 5*time.Millisecond)

	port.respondWith("OK\n")
	line, err := ch.Exchange(context.Background(), "Status", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestTimedOutTailDoesNotAnswerNextExchange(t *testing.T) {
	ch, port := newTestChannel(t)
	port.respondWith("dist_")

	_, err := ch.Exchange(context.Background(), "STATUS", 50*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimeout)

	port.respondWith("cm=20.3\n", "TDS=320\n")
	line, err := ch.Exchange(context.Background(), "TDS", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "TDS=320", line)
	assert.Equal(t, uint64(1), ch.Stats().Discarded)
	assert.Empty(t, ch.Unsolicited())
}

func TestUnsolicitedLinesAreBuffered(t *testing.T) {
	ch, port := newTestChannel(t)

	port.push("boot banner\n")
	port.push("Spray: ON\n")
	require.Eventually(t, func() bool {
		return ch.Stats().Unsolicited == 2
	}, time.Second, 5*time.Millisecond)

	port.respondWith("OK\n")
	line, err := ch.Exchange(context.Background(), "Status", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "OK", line)
	assert.Equal(t, []string{"boot banner", "Spray: ON"}, ch.Unsolicited())
	assert.Empty(t, ch.Unsolicited())
	assert.Zero(t, ch.Stats().Discarded)
}

func TestUnsolicitedBufferIsBounded(t *testing.T) {
	ch, port := newTestChannel(t)

	var burst strings.Builder
	for i := 0; i < maxUnsolicited+3; i++ {
		fmt.Fprintf(&burst, "line %d\n", i)
	}
	port.push(burst.String())

	require.Eventually(t, func() bool {
		return ch.Stats().Unsolicited == maxUnsolicited+3
	}, time.Second, 5*time.Millisecond)

	lines := ch.Unsolicited()
	require.Len(t, lines, maxUnsolicited)
	assert.Equal(t, "line 3", lines[0])
	assert.Equal(t, fmt.Sprintf("line %d", maxUnsolicited+2), lines[len(lines)-1])
	assert.Equal(t, uint64(3), ch.Stats().Discarded)
}

func TestConcurrentExchangeIsBusy(t *testing.T) {
	ch, port := newTestChannel(t)

	firstErr := make(chan error, 1)
	go func() {
		_, err := ch.Exchange(context.Background(), "FillL 5.0", 5*time.Second)
		firstErr <- err
	}()

	require.Eventually(t, func() bool {
		return port.writtenString() != ""
	}, time.Second, 5*time.Millisecond)

	_, err := ch.Exchange(context.Background(), "Status", time.Second)
	assert.ErrorIs(t, err, protocol.ErrBusy)

	require.NoError(t, ch.Close())

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, protocol.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending exchange was not released by Close")
	}
}

func TestExchangeHonorsContext(t *testing.T) {
	ch, _ := newTestChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ch.Exchange(ctx, "Status", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ch.Stats().Timeouts)
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, _ := newTestChannel(t)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.False(t, ch.IsOpen())
	_, err := ch.Exchange(context.Background(), "Status", time.Second)
	assert.ErrorIs(t, err, protocol.ErrClosed)

	select {
	case <-ch.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestReadFailureClosesChannel(t *testing.T) {
	ch, port := newTestChannel(t)

	port.Close()

	require.Eventually(t, func() bool {
		return !ch.IsOpen()
	}, time.Second, 5*time.Millisecond)
}

func TestDialerWrapsOpenFailure(t *testing.T) {
	d := NewDialer(OpenerFunc(func(path string, baud int) (Port, error) {
		return nil, errors.New("permission denied")
	}), zap.NewNop())

	_, err := d.Open("/dev/ttyUSB0", 9600)

	assert.ErrorIs(t, err, protocol.ErrPortUnavailable)
	assert.Contains(t, err.Error(), "/dev/ttyUSB0")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestDialerOpensChannel(t *testing.T) {
	port := newFakePort()
	var gotBaud int
	d := NewDialer(OpenerFunc(func(path string, baud int) (Port, error) {
		gotBaud = baud
		return port, nil
	}), zap.NewNop())

	ex, err := d.Open("/dev/ttyUSB0", 9600)
	require.NoError(t, err)
	defer ex.Close()

	assert.Equal(t, 9600, gotBaud)
	assert.Equal(t, "/dev/ttyUSB0", ex.Path())
	assert.True(t, ex.IsOpen())
}
