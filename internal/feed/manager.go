// Package feed owns the upstream connection: dialing, the read loop, idle
// detection and reconnect with backoff. Raw messages are handed to a
// TickSink; Ingestor is the sink that decodes them into the buffer.
package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/retry"
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	// IdleTimeout forces a reconnect when no message arrives for this long.
	IdleTimeout time.Duration

	// StableAfter resets the backoff once a connection has stayed up this
	// long.
	StableAfter time.Duration

	// Backoff is the reconnect policy. MaxAttempts is ignored.
	Backoff retry.Policy
}

// Manager runs the feed connection state machine.
type Manager struct {
	dialer Dialer
	opts   ManagerOptions
	base   *slog.Logger

	// log carries the run attributes of the current Run.
	log *slog.Logger

	sm      stateMachine
	running atomic.Bool
	stats   Stats
}

// Stats holds connection statistics.
type Stats struct {
	Connects     atomic.Int64
	Disconnects  atomic.Int64
	IdleTimeouts atomic.Int64
	DialFailures atomic.Int64
	Messages     atomic.Int64
}

// ManagerStats is a snapshot of connection statistics.
type ManagerStats struct {
	State        State
	Connects     int64
	Disconnects  int64
	IdleTimeouts int64
	DialFailures int64
	Messages     int64
}

// NewManager creates a connection manager.
func NewManager(d Dialer, opts ManagerOptions) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	opts.Backoff.MaxAttempts = 0

	return &Manager{
		dialer: d,
		opts:   opts,
		base:   logging.Component("feed"),
		log:    logging.Component("feed"),
	}
}

// Run connects and reads until ctx is cancelled or a fatal connection error
// occurs. Cancellation returns nil; the connection is closed and nothing is
// flushed here.
func (m *Manager) Run(ctx context.Context, sink TickSink) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.log = logging.WithContext(ctx, m.base)
	m.sm.state.Store(int32(StateDisconnected))
	backoff := retry.NewBackoff(m.opts.Backoff)

	for {
		if ctx.Err() != nil {
			return m.drain()
		}

		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.drain()
			}
			m.setState(StateDisconnected)
			if errors.IsFatal(err) {
				m.log.Error("feed connection rejected", "error", err)
				return err
			}

			m.stats.DialFailures.Add(1)
			delay := backoff.Next()
			m.log.Warn("dial failed, backing off",
				"attempt", backoff.Attempt(),
				"backoff", delay,
				"error", err)
			if retry.Sleep(ctx, delay) != nil {
				return m.drain()
			}
			continue
		}

		m.stats.Connects.Add(1)
		m.setState(StateConnected)
		connectedAt := time.Now()
		m.log.Info("feed connected", "after_failures", backoff.Attempt())

		err = m.readLoop(ctx, conn, sink)
		conn.Close()

		if ctx.Err() != nil {
			return m.drain()
		}

		m.stats.Disconnects.Add(1)
		m.setState(StateDisconnected)
		uptime := time.Since(connectedAt)

		if errors.Is(err, errors.ErrIdleTimeout) {
			m.stats.IdleTimeouts.Add(1)
		}
		if errors.IsFatal(err) {
			m.log.Error("feed connection failed", "error", err, "uptime", uptime)
			return err
		}

		if uptime >= m.opts.StableAfter {
			backoff.Reset()
		}
		delay := backoff.Next()
		m.log.Warn("feed disconnected, reconnecting",
			"error", err,
			"uptime", uptime,
			"backoff", delay)
		if retry.Sleep(ctx, delay) != nil {
			return m.drain()
		}
	}
}

// readLoop passes messages to sink until the connection fails. A cancelled
// ctx closes the connection to unblock the read.
func (m *Manager) readLoop(ctx context.Context, conn Conn, sink TickSink) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		raw, err := conn.Next(time.Now().Add(m.opts.IdleTimeout))
		if err != nil {
			// Unclassified read errors get the reconnect treatment.
			if !errors.IsConnectionError(err) {
				err = errors.Mark(err, errors.ErrTransientConnection)
			}
			return err
		}
		m.stats.Messages.Add(1)
		sink.Accept(raw)
	}
}

func (m *Manager) drain() error {
	m.setState(StateDraining)
	m.log.Info("feed stopped",
		"connects", m.stats.Connects.Load(),
		"messages", m.stats.Messages.Load())
	return nil
}

func (m *Manager) setState(s State) {
	if err := m.sm.transition(s); err != nil {
		m.log.Error("feed state", "error", err)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.sm.get()
}

// Live reports whether the feed is connected.
func (m *Manager) Live() bool {
	return m.sm.get() == StateConnected
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:        m.sm.get(),
		Connects:     m.stats.Connects.Load(),
		Disconnects:  m.stats.Disconnects.Load(),
		IdleTimeouts: m.stats.IdleTimeouts.Load(),
		DialFailures: m.stats.DialFailures.Load(),
		Messages:     m.stats.Messages.Load(),
	}
}
