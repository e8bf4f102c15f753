package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically fails pending escrows whose payer never completed
// authorization. Without it an abandoned checkout would block the
// project's escrow slot forever.
type Sweeper struct {
	service  *Service
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new pending-escrow sweeper. ttl is how long a
// pending escrow may wait for authorization before it is failed.
func NewSweeper(service *Service, store Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)

	stale, err := s.store.ListPendingBefore(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("failed to list stale pending escrows", "error", err)
		return
	}

	for _, e := range stale {
		if _, err := s.service.Expire(ctx, e); err != nil {
			if errors.Is(err, ErrStaleStatus) {
				// Authorization landed after the listing; not an error.
				continue
			}
			s.logger.Warn("failed to expire pending escrow",
				"escrow_id", e.ID, "error", err)
			continue
		}
		s.logger.Info("expired pending escrow",
			"escrow_id", e.ID,
			"project_id", e.ProjectID,
			"amount", e.Amount,
		)
	}
}
