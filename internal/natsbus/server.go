// Package natsbus carries session progress events over an in-process NATS
// server. Events are fire-and-forget core pub/sub; nothing is persisted.
package natsbus

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/indexswap/internal/config"
)

var errNotReady = errors.New("nats server not ready")

type Bus struct {
	server *natsserver.Server
}

// New starts an embedded NATS server bound to loopback. Port -1 picks a
// random port.
func New(cfg config.NATSConfig) (*Bus, error) {
	ready := cfg.ReadyTimeout
	if ready <= 0 {
		ready = 5 * time.Second
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "indexswap",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(ready) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w after %s", errNotReady, ready)
	}
	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
