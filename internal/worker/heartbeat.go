// internal/worker/heartbeat.go
package worker

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"growdash-agent/internal/model"
)

// hostProbe reads host metrics for the heartbeat
type hostProbe interface {
	Memory(ctx context.Context) (used uint64, percent float64, err error)
	Uptime(ctx context.Context) (uint64, error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) Memory(ctx context.Context) (uint64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Used, vm.UsedPercent, nil
}

func (gopsutilProbe) Uptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

// heartbeatState is independent of serial activity; host probe failures
// leave the affected fields empty
func (w *Worker) heartbeatState(ctx context.Context) model.HeartbeatState {
	stats := w.channel.Stats()

	state := model.HeartbeatState{
		Uptime:       int64(w.now().Sub(w.StartedAt()) / time.Second),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		AgentVersion: w.cfg.AgentVersion,
		BoardType:    string(w.board.BoardType),
		Port:         w.channel.Path(),
		Exchanges:    stats.Exchanges,
		Timeouts:     stats.Timeouts,
	}

	if last := w.LastActivity(); !last.IsZero() {
		state.LastActivity = last.UTC().Format(time.RFC3339)
	}
	if used, percent, err := w.host.Memory(ctx); err == nil {
		state.MemoryUsed = used
		state.MemoryPercent = percent
	}
	if uptime, err := w.host.Uptime(ctx); err == nil {
		state.HostUptime = uptime
	}

	return state
}
