// internal/discovery/video/source.go
package video

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"growdash-agent/internal/model"
)

// Source lists V4L2 capture nodes as camera endpoints
type Source struct {
	devDir string
	sysDir string
}

// NewSource creates a camera source for the host device tree
func NewSource() *Source {
	return &Source{devDir: "/dev", sysDir: "/sys/class/video4linux"}
}

// Name returns source type identifier
func (s *Source) Name() string {
	return "video"
}

// IsAvailable reports whether the host exposes video4linux
func (s *Source) IsAvailable() bool {
	if runtime.GOOS != "linux" && s.devDir == "/dev" {
		return false
	}
	_, err := os.Stat(s.sysDir)
	return err == nil
}

// List returns one descriptor per /dev/videoN node. The sysfs label is used
// as description when readable.
func (s *Source) List(ctx context.Context) ([]model.EndpointDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes, err := filepath.Glob(filepath.Join(s.devDir, "video*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	endpoints := make([]model.EndpointDescriptor, 0, len(nodes))
	for _, node := range nodes {
		name := filepath.Base(node)
		ep := model.EndpointDescriptor{
			Path: node,
			Kind: model.EntryKindCamera,
		}
		if label, err := os.ReadFile(filepath.Join(s.sysDir, name, "name")); err == nil {
			ep.Description = strings.TrimSpace(string(label))
		}
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}
