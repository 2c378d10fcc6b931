// internal/protocol/serial/port.go
package serial

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream a channel runs on
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Opener opens a port by path
type Opener interface {
	OpenPort(path string, baud int) (Port, error)
}

// Config represents serial line settings
type Config struct {
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"`
	ReadPoll time.Duration `json:"read_poll"`
}

// NativeOpener opens host serial ports
type NativeOpener struct {
	config Config
}

// NewNativeOpener creates an opener for real device nodes
func NewNativeOpener(config Config) *NativeOpener {
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.ReadPoll <= 0 {
		config.ReadPoll = 100 * time.Millisecond
	}
	return &NativeOpener{config: config}
}

// OpenPort opens and configures the serial port
func (o *NativeOpener) OpenPort(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: o.config.DataBits,
		StopBits: stopBits(o.config.StopBits),
		Parity:   parity(o.config.Parity),
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	// A finite read timeout lets the reader notice Close on every platform
	if err := port.SetReadTimeout(o.config.ReadPoll); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func parity(p string) serial.Parity {
	switch p {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}
