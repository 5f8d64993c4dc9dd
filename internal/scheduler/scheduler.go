// Package scheduler periodically purges expired sessions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/indexswap/internal/browser"
)

// Store lists and deletes expired session records.
type Store interface {
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Expirer releases what a running session holds before its record goes.
type Expirer interface {
	Expire(ctx context.Context, id string)
}

type Scheduler struct {
	store        Store
	expirer      Expirer
	pollInterval time.Duration
	now          func() time.Time
}

func New(s Store, e Expirer, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	return &Scheduler{
		store:        s,
		expirer:      e,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				slog.Error("session purge failed", "error", err)
			}
		}
	}
}

// Purge expires every session past its TTL and deletes the records.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	ids, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		slog.Debug("expiring session", "session", browser.ShortID(id))
		s.expirer.Expire(ctx, id)
	}

	n, err := s.store.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged expired sessions", "count", n)
	}
	return n, nil
}
