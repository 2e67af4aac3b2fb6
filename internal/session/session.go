// Package session owns the connection lifecycle for one ArcticLink device:
// scanning, connecting, link-loss detection with a degraded grace window,
// and automatic reconnection with exponential backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcticlink/arcticlink/internal/ble"
	"github.com/arcticlink/arcticlink/internal/mux"
)

// State is the session's position in its connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrRetriesExhausted is surfaced when reconnection gives up after the
// configured number of attempts.
var ErrRetriesExhausted = errors.New("session: reconnect retries exhausted")

// Options configures session behavior.
type Options struct {
	ConnectTimeout    time.Duration // per connect attempt
	DegradedGrace     time.Duration // wait before treating link loss as permanent
	ReconnectBase     time.Duration // first backoff delay
	ReconnectMaxDelay time.Duration // backoff cap
	ReconnectRetries  int           // max attempts; 0 means unbounded
	AutoReconnect     bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    5 * time.Second,
		DegradedGrace:     3 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		ReconnectRetries:  5,
		AutoReconnect:     true,
	}
}

// Session drives the state machine for a single device. One Session per
// device pairing; sessions on different devices are fully independent.
// A Session is one-shot: after Disconnect it stays in StateDisconnected.
type Session struct {
	adapter ble.Adapter
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reconnecting guards against stacked reconnect goroutines when
	// link-loss events arrive in bursts.
	reconnecting atomic.Bool

	mu         sync.Mutex
	state      State
	addr       string
	conn       ble.Connection
	router     *mux.Mux
	graceTimer *time.Timer
	observers  []func(State, error)
	closed     bool
}

// New creates a session over the given adapter. The session registers the
// adapter's link-change callback; use one adapter per session.
func New(adapter ble.Adapter, opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.DegradedGrace <= 0 {
		opts.DegradedGrace = 3 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		adapter: adapter,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}
	adapter.OnLinkChange(s.handleLinkChange)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mux returns the active routing table, or nil when not connected.
func (s *Session) Mux() *mux.Mux {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.router
}

// OnStateChange registers an observer called after every transition. The
// error is non-nil only for fatal session failures.
func (s *Session) OnStateChange(fn func(State, error)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// setState transitions and notifies observers. Caller must not hold mu.
func (s *Session) setState(next State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	obs := make([]func(State, error), len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()

	if prev != next {
		slog.Debug("[SESSION] state change", "from", prev, "to", next)
	}
	for _, fn := range obs {
		fn(next, err)
	}
}

// Scan discovers advertising devices. Scanning is only valid from
// StateDisconnected; the session is in StateScanning for the duration and
// returns to StateDisconnected afterwards.
func (s *Session) Scan(timeout time.Duration) ([]ble.Device, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session: scan on closed session")
	}
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("session: cannot scan while %s", state)
	}
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("session: enable adapter: %w", err)
	}
	s.setState(StateScanning, nil)

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	devices, err := s.adapter.Scan(ctx)
	s.setState(StateDisconnected, nil)
	if err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return devices, nil
}

// Connect establishes the connection to the device at addr, discovers its
// services, and builds console routing. On connect failure the session
// moves to reconnecting when auto-reconnect is enabled, otherwise back to
// StateDisconnected.
func (s *Session) Connect(addr string) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("session: enable adapter: %w", err)
	}

	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.setState(StateConnecting, nil)

	if err := s.establish(); err != nil {
		if s.opts.AutoReconnect && s.ctx.Err() == nil {
			slog.Warn("[SESSION] connect failed, entering reconnect", "addr", addr, "error", err)
			s.startReconnect()
			return err
		}
		s.setState(StateDisconnected, nil)
		return err
	}

	s.setState(StateConnected, nil)
	slog.Info("[SESSION] connected", "addr", addr)
	return nil
}

// establish performs one connect + service discovery + routing build.
func (s *Session) establish() error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("session: connect to %s: %w", addr, err)
	}

	router, err := mux.Build(conn)
	if err != nil {
		conn.Disconnect()
		return fmt.Errorf("session: build routing: %w", err)
	}

	s.mu.Lock()
	old := s.router
	s.conn = conn
	s.router = router
	s.mu.Unlock()

	// Stale routes reference dead characteristic handles; the table is
	// rebuilt, never merged.
	if old != nil {
		old.Close()
	}
	return nil
}

// handleLinkChange reacts to adapter link events. An unexpected loss while
// connected always passes through StateDegraded before any reconnect
// attempt; a link that heals within the grace window returns to
// StateConnected with routing intact.
func (s *Session) handleLinkChange(addr string, up bool) {
	s.mu.Lock()
	if s.closed || addr != s.addr {
		s.mu.Unlock()
		return
	}
	state := s.state
	s.mu.Unlock()

	switch {
	case !up && state == StateConnected:
		slog.Warn("[SESSION] link lost, entering grace window", "addr", addr)
		s.setState(StateDegraded, nil)
		s.mu.Lock()
		s.graceTimer = time.AfterFunc(s.opts.DegradedGrace, s.graceExpired)
		s.mu.Unlock()

	case up && state == StateDegraded:
		s.mu.Lock()
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.mu.Unlock()
		slog.Info("[SESSION] link recovered within grace window", "addr", addr)
		s.setState(StateConnected, nil)
	}
}

// graceExpired fires when the degraded grace window ends without the link
// healing.
func (s *Session) graceExpired() {
	s.mu.Lock()
	expired := s.state == StateDegraded && !s.closed
	s.graceTimer = nil
	s.mu.Unlock()
	if !expired {
		return
	}
	slog.Warn("[SESSION] link loss confirmed, reconnecting")
	s.startReconnect()
}

// startReconnect spawns the reconnect loop unless one is already running.
func (s *Session) startReconnect() {
	// closed and the waitgroup are updated under mu so a concurrent
	// Disconnect either sees the loop registered or prevents it entirely.
	s.mu.Lock()
	if s.closed || !s.reconnecting.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.setState(StateReconnecting, nil)
	go s.reconnectLoop()
}

// reconnectLoop retries establish with exponential backoff until success,
// retry exhaustion, or session cancellation.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		if s.opts.ReconnectRetries > 0 && attempt >= s.opts.ReconnectRetries {
			slog.Error("[SESSION] reconnect retries exhausted", "attempts", attempt)
			s.setState(StateDisconnected, ErrRetriesExhausted)
			return
		}

		// First attempt is immediate; later attempts back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.opts.ReconnectBase, s.opts.ReconnectMaxDelay)
			slog.Info("[SESSION] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if s.ctx.Err() != nil {
			return
		}

		if err := s.establish(); err != nil {
			slog.Warn("[SESSION] reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		slog.Info("[SESSION] reconnected")
		s.setState(StateConnected, nil)
		return
	}
}

// Disconnect terminates the session. It cancels any in-flight connect and
// pending reconnect backoff; when it returns, no further connect attempts
// will be made. The session cannot be reused afterwards.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	conn := s.conn
	router := s.router
	s.conn = nil
	s.router = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if router != nil {
		router.Close()
	}
	if conn != nil {
		conn.Disconnect()
	}
	s.setState(StateDisconnected, nil)
	slog.Info("[SESSION] disconnected")
	return nil
}

// backoffDelay returns the delay before reconnect attempt n, growing
// exponentially from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	// Cap the shift so large attempt numbers cannot overflow.
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
