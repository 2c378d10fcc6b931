// internal/discovery/scanner.go
package discovery

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"growdash-agent/internal/model"
)

// Source enumerates endpoints of one kind
type Source interface {
	List(ctx context.Context) ([]model.EndpointDescriptor, error)
	Name() string
	IsAvailable() bool
}

// Enricher fills optional descriptor fields the source could not provide.
// Failures must leave the descriptors untouched.
type Enricher interface {
	Enrich(ctx context.Context, endpoints []model.EndpointDescriptor)
}

// Scanner merges all registered sources into one endpoint set
type Scanner struct {
	sources   []Source
	enrichers []Enricher
	filter    *PathFilter
	logger    *zap.Logger
	now       func() time.Time
}

// NewScanner creates a port scanner. A nil filter uses the host defaults.
func NewScanner(logger *zap.Logger, filter *PathFilter, sources ...Source) *Scanner {
	if filter == nil {
		filter = DefaultPathFilter()
	}

	return &Scanner{
		sources: sources,
		filter:  filter,
		logger:  logger.With(zap.String("component", "port-scanner")),
		now:     time.Now,
	}
}

// AddEnricher registers a metadata enricher
func (s *Scanner) AddEnricher(e Enricher) {
	s.enrichers = append(s.enrichers, e)
}

// Scan enumerates every endpoint currently attached. It never fails: an
// unavailable or failing source contributes nothing.
func (s *Scanner) Scan(ctx context.Context) []model.EndpointDescriptor {
	seen := make(map[string]model.EndpointDescriptor)
	now := s.now()

	for _, source := range s.sources {
		if !source.IsAvailable() {
			s.logger.Debug("Source not available, skipping", zap.String("source", source.Name()))
			continue
		}

		endpoints, err := source.List(ctx)
		if err != nil {
			s.logger.Warn("Source listing failed",
				zap.String("source", source.Name()),
				zap.Error(err),
			)
		}

		for _, ep := range endpoints {
			if ep.Path == "" {
				continue
			}
			if ep.Kind == "" {
				ep.Kind = model.EntryKindSerial
			}
			if ep.Kind == model.EntryKindSerial && !s.filter.Accept(ep.Path) {
				continue
			}
			if ep.DiscoveredAt.IsZero() {
				ep.DiscoveredAt = now
			}
			if _, dup := seen[ep.Path]; dup {
				continue
			}
			seen[ep.Path] = ep
		}
	}

	result := make([]model.EndpointDescriptor, 0, len(seen))
	for _, ep := range seen {
		result = append(result, ep)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })

	for _, e := range s.enrichers {
		e.Enrich(ctx, result)
	}

	s.logger.Debug("Scan completed", zap.Int("endpoints", len(result)))
	return result
}

// ScanSerial returns only serial endpoints
func (s *Scanner) ScanSerial(ctx context.Context) []model.EndpointDescriptor {
	all := s.Scan(ctx)
	serial := all[:0]
	for _, ep := range all {
		if ep.IsSerial() {
			serial = append(serial, ep)
		}
	}
	return serial
}

// AvailableSources returns the names of sources usable on this host
func (s *Scanner) AvailableSources() []string {
	var names []string
	for _, source := range s.sources {
		if source.IsAvailable() {
			names = append(names, source.Name())
		}
	}
	return names
}
