// Package connectivity tracks whether the planning API is reachable and
// fans state transitions out to subscribers. A single monitor is shared by
// every consumer so they all agree on online/offline at any moment.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

// State is the current connectivity verdict.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Prober answers whether the API is reachable right now.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor polls a Prober on an interval and notifies subscribers when the
// state flips.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	state  State
	forced bool
	subs   []chan State

	kick chan struct{}
}

// NewMonitor creates a Monitor. The state stays StateUnknown until the
// first probe completes or Force is called.
func NewMonitor(prober Prober, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online is shorthand for State() == StateOnline.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// Subscribe returns a channel that receives each state transition. The
// channel is buffered; a slow reader misses intermediate flips, never
// blocks the monitor.
func (m *Monitor) Subscribe() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan State, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// Force pins the state, overriding probes until Unforce. Used by tests and
// by the CLI's --offline flag.
func (m *Monitor) Force(s State) {
	m.mu.Lock()
	m.forced = true
	m.mu.Unlock()
	m.transition(s)
}

// Unforce resumes probe-driven state tracking.
func (m *Monitor) Unforce() {
	m.mu.Lock()
	m.forced = false
	m.mu.Unlock()
	m.Probe()
}

// Probe requests an immediate re-check without waiting for the next tick.
// Safe to call from any goroutine; a probe already queued is enough.
func (m *Monitor) Probe() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run probes until the context is cancelled. Call in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		case <-m.kick:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	m.mu.Lock()
	forced := m.forced
	m.mu.Unlock()
	if forced {
		return
	}

	next := StateOnline
	if err := m.prober.Health(ctx); err != nil {
		next = StateOffline
	}
	m.transition(next)
}

func (m *Monitor) transition(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	subs := make([]chan State, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Printf("connectivity: %s -> %s", prev, next)
	}
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}
