package browser

import (
	"context"
	"log/slog"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/mtzanidakis/indexswap/internal/failure"
)

// Manager tracks at most one Page per session id. Whoever removes a handle
// from the map is the one that closes it.
type Manager struct {
	launcher      Launcher
	handles       cmap.ConcurrentMap[string, Page]
	probeTimeout  time.Duration
	sweepInterval time.Duration

	// OnEvict, if set, is called after the sweeper evicts a dead handle.
	OnEvict func(sessionID string)
}

func NewManager(l Launcher, sweepInterval, probeTimeout time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Manager{
		launcher:      l,
		handles:       cmap.New[Page](),
		probeTimeout:  probeTimeout,
		sweepInterval: sweepInterval,
	}
}

// Create launches a new handle for sessionID, closing any previous one.
func (m *Manager) Create(ctx context.Context, sessionID string) (Page, error) {
	m.Close(sessionID)

	p, err := m.launcher.Launch(ctx, sessionID)
	if err != nil {
		if failure.KindOf(err) == failure.HandleInitFailed {
			return nil, err
		}
		return nil, failure.Wrapf(failure.HandleInitFailed, "create handle", "Failed to initialize browser", err)
	}

	var prev Page
	m.handles.Upsert(sessionID, p, func(exist bool, old, fresh Page) Page {
		if exist {
			prev = old
		}
		return fresh
	})
	if prev != nil {
		closeQuietly(sessionID, prev)
	}

	slog.Info("browser handle created", "session", ShortID(sessionID), "active", m.handles.Count())
	return p, nil
}

// Get returns the tracked handle for sessionID.
func (m *Manager) Get(sessionID string) (Page, error) {
	p, ok := m.handles.Get(sessionID)
	if !ok {
		return nil, failure.New(failure.NotFound, "get handle", "no browser handle for session")
	}
	return p, nil
}

// Close removes and closes the handle for sessionID. It is safe to call
// when none exists; close errors are logged, not returned.
func (m *Manager) Close(sessionID string) {
	if p, ok := m.handles.Pop(sessionID); ok {
		closeQuietly(sessionID, p)
		slog.Info("browser handle closed", "session", ShortID(sessionID))
	}
}

// Release closes p only if it is still the handle tracked for sessionID.
// It reports whether this call performed the close.
func (m *Manager) Release(sessionID string, p Page) bool {
	if p == nil {
		return false
	}
	removed := m.handles.RemoveCb(sessionID, func(_ string, v Page, exists bool) bool {
		return exists && v == p
	})
	if removed {
		closeQuietly(sessionID, p)
		slog.Info("browser handle released", "session", ShortID(sessionID))
	}
	return removed
}

// CloseAll closes every tracked handle.
func (m *Manager) CloseAll() {
	for _, id := range m.handles.Keys() {
		m.Close(id)
	}
}

// Count returns the number of live handles.
func (m *Manager) Count() int {
	return m.handles.Count()
}

// StartSweeper probes every handle each sweep interval and evicts the ones
// that do not answer. It returns when ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass and returns the evicted session ids.
func (m *Manager) Sweep(ctx context.Context) []string {
	var evicted []string
	for id, p := range m.handles.Items() {
		err := Ping(ctx, p, m.probeTimeout)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return evicted
		}
		if !m.Release(id, p) {
			continue
		}
		slog.Warn("evicted unresponsive browser handle", "session", ShortID(id), "error", err)
		evicted = append(evicted, id)
		if m.OnEvict != nil {
			m.OnEvict(id)
		}
	}
	return evicted
}

func closeQuietly(sessionID string, p Page) {
	if err := p.Close(); err != nil {
		slog.Warn("error closing browser handle", "session", ShortID(sessionID), "error", err)
	}
}

// ShortID truncates a session id for logs.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
