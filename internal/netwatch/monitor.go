// Package netwatch tracks connectivity to the remote API and kicks the sync
// queue drain when the connection comes back.
package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober answers "can we reach the remote right now". Implemented by
// remote.Client via Ping.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Monitor polls the prober and remembers the last known connectivity state.
// On an offline-to-online transition it invokes the OnOnline callback.
type Monitor struct {
	prober   Prober
	interval time.Duration
	onOnline func(ctx context.Context)
	logger   *slog.Logger

	mu     sync.RWMutex
	online bool
}

// New creates a Monitor. If interval <= 0 it defaults to 30s. onOnline may
// be nil. The monitor starts pessimistic (offline) until the first probe.
func New(prober Prober, interval time.Duration, onOnline func(ctx context.Context), logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		onOnline: onOnline,
		logger:   logger,
	}
}

// SetOnOnline registers the reconnect callback. The gateway needs the
// monitor at construction time, so the drain hook is registered afterwards.
func (m *Monitor) SetOnOnline(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// Online returns the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// CheckNow probes once, records the result, and fires the OnOnline callback
// on an offline-to-online transition. Returns the new state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	nowOnline := m.prober.Probe(ctx)

	m.mu.Lock()
	wasOnline := m.online
	m.online = nowOnline
	onOnline := m.onOnline
	m.mu.Unlock()

	if nowOnline && !wasOnline {
		m.logger.Info("connectivity restored")
		if onOnline != nil {
			onOnline(ctx)
		}
	} else if !nowOnline && wasOnline {
		m.logger.Warn("connectivity lost")
	}
	return nowOnline
}

// Run probes on the configured interval until ctx is cancelled. The first
// probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
		m.CheckNow(ctx)
	}
}
