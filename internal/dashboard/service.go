package dashboard

import (
	"context"
	"log/slog"
)

// StatsSource produces the raw dashboard figures.
type StatsSource interface {
	CollectStats(ctx context.Context) (Stats, error)
}

// Service serves dashboard figures through the versioned redis cache, so a
// catalog or role change (which bumps the shared version) also refreshes the
// counts on the next read.
type Service struct {
	source StatsSource
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs the dashboard service. cache may be nil, which
// disables caching.
func NewService(source StatsSource, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, cache: cache, logger: logger}
}

// GetStats returns the summary, cached per version.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	key, err := s.cache.BuildKey(ctx, "dashboard", "stats")
	if err != nil {
		s.logger.Warn("dashboard cache key", slog.Any("error", err))
		return s.source.CollectStats(ctx)
	}
	var stats Stats
	err = s.cache.FetchJSON(ctx, key, &stats, func(ctx context.Context) (interface{}, error) {
		return s.source.CollectStats(ctx)
	})
	return stats, err
}
