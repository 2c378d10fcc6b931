// internal/discovery/handshake.go
package discovery

import (
	"context"
	"time"

	"growdash-agent/internal/protocol"
)

const handshakeCommand = "Status"

// Handshake opens path, sends a status query and reports whether the board
// answered with any line before timeout. The channel is always closed.
func Handshake(ctx context.Context, open protocol.OpenFunc, path string, baud int, timeout time.Duration) bool {
	ch, err := open(path, baud)
	if err != nil {
		return false
	}
	defer ch.Close()

	line, err := ch.Exchange(ctx, handshakeCommand, timeout)
	return err == nil && line != ""
}
