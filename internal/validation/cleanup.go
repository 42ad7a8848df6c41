package validation

import (
	"context"
	"log/slog"
	"time"

	"github.com/capigate/capigate/internal/cache"
	"github.com/capigate/capigate/internal/pkg/metrics"
	"github.com/capigate/capigate/internal/repository"
)

// CleanupService periodically sweeps expired entries out of both cache tiers.
type CleanupService struct {
	memory   *cache.ValidationCache
	store    repository.ValidationStore
	interval time.Duration
	log      *slog.Logger
	stopCh   chan struct{}
}

// NewCleanupService creates the sweep task. Interval <= 0 defaults to 10 minutes.
func NewCleanupService(memory *cache.ValidationCache, store repository.ValidationStore, interval time.Duration, log *slog.Logger) *CleanupService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CleanupService{
		memory:   memory,
		store:    store,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the cleanup background goroutine.
func (s *CleanupService) Start(ctx context.Context) {
	s.log.Info("Starting validation cache cleanup", "interval", s.interval)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run immediately on start
		s.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				s.runCleanup(ctx)
			case <-s.stopCh:
				s.log.Info("Validation cache cleanup stopped")
				return
			case <-ctx.Done():
				s.log.Info("Validation cache cleanup context cancelled")
				return
			}
		}
	}()
}

// Stop stops the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopCh)
}

func (s *CleanupService) runCleanup(ctx context.Context) {
	start := time.Now()

	memoryDeleted := s.memory.CleanupExpired()
	metrics.ValidationCleanupDeletedTotal.WithLabelValues("memory").Add(float64(memoryDeleted))

	storeDeleted, err := s.store.CleanupExpiredClients(ctx)
	if err != nil {
		s.log.Error("validation store cleanup failed", "error", err)
		return
	}
	metrics.ValidationCleanupDeletedTotal.WithLabelValues("store").Add(float64(storeDeleted))

	duration := time.Since(start)
	if memoryDeleted > 0 || storeDeleted > 0 {
		s.log.Info("Validation cache cleanup completed",
			"memory_deleted", memoryDeleted, "store_deleted", storeDeleted,
			"duration_ms", duration.Milliseconds())
	} else {
		s.log.Debug("Validation cache cleanup completed",
			"memory_deleted", memoryDeleted, "store_deleted", storeDeleted,
			"duration_ms", duration.Milliseconds())
	}
}
