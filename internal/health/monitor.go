package health

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/config"
)

// State is the authoritative connection health value. Exactly one per
// monitored connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// Conn is the slice of a broker connection the monitor drives. Dial must
// resolve to a definite outcome within a bounded time; the transport enforces
// its own handshake deadline.
type Conn interface {
	Dial(ctx context.Context) error
	Connected() bool
}

// Prober checks backend liveness. A nil prober disables periodic probing, in
// which case only socket drops and connectivity signals drive transitions.
type Prober interface {
	Ping(ctx context.Context) error
}

type sigKind int

const (
	sigDrop sigKind = iota
	sigRetry
	sigOnline
	sigOffline
)

// Monitor runs the health state machine for one connection. Create with New,
// then call Run in a goroutine; the setters are safe from any goroutine.
type Monitor struct {
	cfg   config.HeartbeatConfig
	conn  Conn
	probe Prober

	signals chan sigKind

	mu       sync.Mutex
	state    State
	online   bool
	onChange func(from, to State)
}

// New creates a monitor over conn. probe may be nil.
func New(cfg config.HeartbeatConfig, conn Conn, probe Prober) *Monitor {
	return &Monitor{
		cfg:     cfg,
		conn:    conn,
		probe:   probe,
		signals: make(chan sigKind, 8),
		state:   StateDisconnected,
		online:  true,
	}
}

// OnTransition registers the callback invoked on every state change, outside
// the monitor lock. Call before Run.
func (m *Monitor) OnTransition(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current health value.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NotifyDrop reports an unexpected socket loss. Wired to the transport's drop
// callback.
func (m *Monitor) NotifyDrop() { m.send(sigDrop) }

// Retry requests a manual reconnection round with a fresh retry budget. Only
// meaningful once automatic attempts have stopped; ignored while a round is
// already running.
func (m *Monitor) Retry() { m.send(sigRetry) }

// SetOnline feeds a runtime connectivity signal. Going offline degrades a
// connected state immediately; coming back online nudges a degraded or
// disconnected machine into reconnection without waiting for a probe.
func (m *Monitor) SetOnline(v bool) {
	m.mu.Lock()
	m.online = v
	m.mu.Unlock()
	if v {
		m.send(sigOnline)
	} else {
		m.send(sigOffline)
	}
}

func (m *Monitor) send(s sigKind) {
	select {
	case m.signals <- s:
	default:
		// A full queue means the loop already has enough to react to.
	}
}

func (m *Monitor) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run drives the state machine until ctx is cancelled. The final transition
// on cancellation is to disconnected: explicit teardown always wins and
// cancels in-flight reconnect timers.
func (m *Monitor) Run(ctx context.Context) {
	if m.conn.Connected() {
		m.transition(StateConnected)
	} else {
		m.transition(StateConnecting)
	}

	for ctx.Err() == nil {
		switch m.State() {
		case StateConnecting:
			if m.dialOnce(ctx) {
				m.transition(StateConnected)
			} else {
				m.transition(StateReconnecting)
			}
		case StateConnected:
			m.runConnected(ctx)
		case StateDegraded:
			m.runDegraded(ctx)
		case StateReconnecting:
			if m.reconnect(ctx) {
				m.transition(StateConnected)
			} else if ctx.Err() == nil {
				slog.Warn("health: retry budget exhausted, stopping automatic reconnection",
					"attempts", m.cfg.MaxAttempts)
				m.transition(StateDisconnected)
			}
		case StateDisconnected:
			m.runDisconnected(ctx)
		}
	}
	m.transition(StateDisconnected)
}

// runConnected watches a healthy connection. Returns once the state degrades
// or ctx ends.
func (m *Monitor) runConnected(ctx context.Context) {
	ticker := m.probeTicker()
	if ticker != nil {
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.signals:
			switch s {
			case sigDrop:
				slog.Warn("health: socket dropped")
				m.transition(StateDegraded)
				return
			case sigOffline:
				slog.Warn("health: connectivity lost")
				m.transition(StateDegraded)
				return
			}
		case <-tickC(ticker):
			if err := m.doProbe(ctx); err != nil {
				slog.Warn("health: liveness probe failed", "err", err)
				m.transition(StateDegraded)
				return
			}
		}
	}
}

// runDegraded keeps existing subscriptions up while deciding between recovery
// and active reconnection. Transient blips resolve back to connected; a dead
// socket or a run of consecutive probe failures moves to reconnecting.
func (m *Monitor) runDegraded(ctx context.Context) {
	if !m.conn.Connected() {
		// The socket is gone, probing cannot bring it back.
		m.transition(StateReconnecting)
		return
	}

	ticker := m.probeTicker()
	if ticker != nil {
		defer ticker.Stop()
	}

	failures := 1
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.signals:
			switch s {
			case sigDrop:
				m.transition(StateReconnecting)
				return
			case sigOnline, sigRetry:
				m.transition(StateReconnecting)
				return
			}
		case <-tickC(ticker):
			if err := m.doProbe(ctx); err != nil {
				failures++
				slog.Warn("health: probe failed while degraded",
					"consecutive", failures, "threshold", m.cfg.FailureThreshold, "err", err)
				if failures >= m.cfg.FailureThreshold {
					m.transition(StateReconnecting)
					return
				}
				continue
			}
			if m.conn.Connected() {
				slog.Info("health: liveness restored")
				m.transition(StateConnected)
				return
			}
			m.transition(StateReconnecting)
			return
		}
	}
}

// reconnect runs one bounded round of redial attempts. Reports whether the
// connection came back.
func (m *Monitor) reconnect(ctx context.Context) bool {
	bo := newBackoff(m.cfg)

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		wait := bo.next()
		slog.Info("health: reconnect attempt scheduled",
			"attempt", attempt, "max", m.cfg.MaxAttempts, "in", wait)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		if !m.waitOnline(ctx) {
			return false
		}

		if err := m.conn.Dial(ctx); err != nil {
			slog.Warn("health: reconnect attempt failed",
				"attempt", attempt, "err", err)
			continue
		}
		slog.Info("health: reconnected", "attempt", attempt)
		return true
	}
	return false
}

// waitOnline blocks while the runtime reports no connectivity. Dialing into a
// known-dead network would just burn the retry budget.
func (m *Monitor) waitOnline(ctx context.Context) bool {
	for !m.isOnline() {
		select {
		case <-ctx.Done():
			return false
		case s := <-m.signals:
			if s == sigOnline {
				return true
			}
		}
	}
	return true
}

// runDisconnected idles until a manual retry or a connectivity-restored
// signal starts a fresh reconnection round.
func (m *Monitor) runDisconnected(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.signals:
			if s == sigRetry || s == sigOnline {
				m.transition(StateReconnecting)
				return
			}
		}
	}
}

func (m *Monitor) dialOnce(ctx context.Context) bool {
	if m.conn.Connected() {
		return true
	}
	if err := m.conn.Dial(ctx); err != nil {
		slog.Warn("health: initial dial failed", "err", err)
		return false
	}
	return true
}

func (m *Monitor) doProbe(ctx context.Context) error {
	if m.probe == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.probe.Ping(pctx)
}

func (m *Monitor) probeTicker() *time.Ticker {
	if m.probe == nil {
		return nil
	}
	return time.NewTicker(m.cfg.ProbeInterval)
}

// tickC tolerates a nil ticker so the select above works with probing off.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Monitor) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	fn := m.onChange
	m.mu.Unlock()

	slog.Info("health: state changed", "from", from, "to", to)
	if fn != nil {
		fn(from, to)
	}
}

// backoff implements capped exponential backoff with ±25% jitter.
type backoff struct {
	current time.Duration
	max     time.Duration
}

func newBackoff(cfg config.HeartbeatConfig) *backoff {
	return &backoff{current: cfg.BackoffInitial, max: cfg.BackoffMax}
}

// next returns the current delay and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}
