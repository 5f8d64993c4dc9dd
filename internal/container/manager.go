// Package container runs one Playwright browser server container per
// session and connects to it over the Docker network.
package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/failure"
)

// serverVersion must match the Playwright driver bundled with playwright-go.
const serverVersion = "1.52.0"

// Connector attaches to a remote browser server.
type Connector interface {
	Connect(wsEndpoint string, timeouts browser.PageTimeouts, onClose func()) (browser.Page, error)
}

type Manager struct {
	engine   engine
	runtime  Connector
	cfg      config.DockerConfig
	timeouts browser.PageTimeouts

	mu          sync.Mutex
	active      map[string]string // session id → container id
	networkName string            // set once the network exists
}

func NewManager(rt Connector, cfg config.DockerConfig, timeouts browser.PageTimeouts) (*Manager, error) {
	e, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	return newManager(e, rt, cfg, timeouts), nil
}

func newManager(e engine, rt Connector, cfg config.DockerConfig, timeouts browser.PageTimeouts) *Manager {
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 3000
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 20
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Manager{
		engine:   e,
		runtime:  rt,
		cfg:      cfg,
		timeouts: timeouts,
		active:   make(map[string]string),
	}
}

// Prepare makes sure the image is present and removes containers left by a
// previous process.
func (m *Manager) Prepare(ctx context.Context) error {
	if err := m.engine.EnsureImage(ctx, m.cfg.Image, m.cfg.Pull); err != nil {
		return err
	}
	_, err := m.CleanupStale(ctx)
	return err
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.networkName != "" {
		return nil
	}
	if err := m.engine.EnsureNetwork(ctx, m.cfg.Network); err != nil {
		return err
	}
	m.networkName = m.cfg.Network
	return nil
}

// Launch starts a browser server container for sessionID and returns a page
// on it. Closing the page removes the container.
func (m *Manager) Launch(ctx context.Context, sessionID string) (browser.Page, error) {
	if err := m.ensureNetwork(ctx); err != nil {
		return nil, failure.Wrap(failure.HandleInitFailed, "docker network", err)
	}

	name := ContainerName(sessionID)

	// Remove any stale container with the same name
	if err := m.engine.Remove(ctx, name); err != nil {
		slog.Warn("failed to remove stale browser container", "container", name, "error", err)
	}

	id, err := m.engine.Run(ctx, runSpec{
		Name:      name,
		Image:     m.cfg.Image,
		Network:   m.cfg.Network,
		Port:      m.cfg.ServerPort,
		MemoryMB:  m.cfg.MemoryLimitMB,
		SessionID: browser.ShortID(sessionID),
	})
	if err != nil {
		return nil, failure.Wrap(failure.HandleInitFailed, "start browser container", err)
	}
	m.track(sessionID, id)

	page, err := m.connect(ctx, sessionID, id)
	if err != nil {
		m.stop(sessionID, id)
		return nil, err
	}

	slog.Info("browser container started", "session", browser.ShortID(sessionID), "container", shortID(id))
	return page, nil
}

func (m *Manager) connect(ctx context.Context, sessionID, id string) (browser.Page, error) {
	delay := m.cfg.ConnectTimeout / time.Duration(m.cfg.ConnectRetries)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), m.cfg.ConnectRetries), ctx)

	var page browser.Page
	op := func() error {
		addr, err := m.engine.Address(ctx, id, m.cfg.Network)
		if err != nil {
			return err
		}
		endpoint := fmt.Sprintf("ws://%s:%d/", addr, m.cfg.ServerPort)
		p, err := m.runtime.Connect(endpoint, m.timeouts, func() { m.stop(sessionID, id) })
		if err != nil {
			return err
		}
		page = p
		return nil
	}
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		slog.Debug("browser server not ready, retrying", "container", shortID(id), "in", next, "error", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.Wrap(failure.HandleInitFailed, "connect browser container", err)
	}
	return page, nil
}

func (m *Manager) track(sessionID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionID] = id
}

// stop removes container id and forgets it if it is still the one tracked
// for sessionID.
func (m *Manager) stop(sessionID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.engine.Remove(ctx, id); err != nil {
		slog.Warn("failed to remove browser container", "container", shortID(id), "error", err)
	}

	m.mu.Lock()
	if m.active[sessionID] == id {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()
	slog.Info("browser container stopped", "session", browser.ShortID(sessionID), "container", shortID(id))
}

// StopAll removes every tracked container.
func (m *Manager) StopAll() {
	m.mu.Lock()
	active := make(map[string]string, len(m.active))
	for s, id := range m.active {
		active[s] = id
	}
	m.mu.Unlock()

	for s, id := range active {
		m.stop(s, id)
	}
}

// ActiveCount is the number of containers this process is running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CleanupStale removes managed containers this process does not track.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	ids, err := m.engine.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	activeIDs := make(map[string]bool, len(m.active))
	for _, id := range m.active {
		activeIDs[id] = true
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if activeIDs[id] {
			continue
		}
		slog.Info("cleaning up stale browser container", "container", shortID(id))
		if err := m.engine.Remove(ctx, id); err != nil {
			slog.Warn("failed to remove stale container", "container", shortID(id), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// ContainerName derives a stable container name without exposing the
// session id.
func ContainerName(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return labelPrefix + "-browser-" + hex.EncodeToString(sum[:6])
}
