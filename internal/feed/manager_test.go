package feed

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/retry"
	testutil "github.com/xtxerr/tickpipe/internal/testing"
)

// collectSink records every message it is given.
type collectSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *collectSink) Accept(raw []byte) {
	s.mu.Lock()
	s.msgs = append(s.msgs, string(raw))
	s.mu.Unlock()
}

func (s *collectSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *collectSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func testManagerOptions() ManagerOptions {
	return ManagerOptions{
		IdleTimeout: 10 * time.Second,
		StableAfter: time.Hour,
		Backoff: retry.Policy{
			Base: time.Millisecond,
			Cap:  5 * time.Millisecond,
		},
	}
}

func TestState_Transitions(t *testing.T) {
	var sm stateMachine

	if sm.get() != StateDisconnected {
		t.Fatalf("initial state = %s", sm.get())
	}
	for _, s := range []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateDraining} {
		if err := sm.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := sm.transition(StateConnected); err == nil {
		t.Error("draining -> connected should be rejected")
	}
	if sm.get() != StateDraining {
		t.Errorf("state = %s", sm.get())
	}
}

func TestManager_ReconnectWithoutLossOrDuplicates(t *testing.T) {
	msgs := testutil.JSONMessages("RELIANCE", 0, 300)
	transient := errors.Mark(errors.New("connection reset by peer"), errors.ErrTransientConnection)

	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		switch dials.Add(1) {
		case 1:
			return testutil.NewScriptedConn(msgs[:120], transient), nil
		case 2, 3:
			return nil, transient
		default:
			return testutil.NewScriptedConn(msgs[120:], nil), nil
		}
	})

	m := NewManager(dialer, testManagerOptions())
	sink := &collectSink{}

	g := testutil.NewGroup(t)
	g.Go(func(ctx context.Context) error {
		return m.Run(ctx, sink)
	})

	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool {
		return sink.Len() == 300
	}); err != nil {
		t.Fatalf("received %d of 300: %v", sink.Len(), err)
	}
	if !m.Live() {
		t.Error("manager should be connected")
	}
	g.Stop()

	got := sink.Messages()
	for i := range msgs {
		if got[i] != string(msgs[i]) {
			t.Fatalf("message %d out of order or duplicated: %s", i, got[i])
		}
	}

	s := m.Stats()
	if s.Connects != 2 || s.DialFailures != 2 || s.Disconnects != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.State != StateDraining {
		t.Errorf("final state = %s", s.State)
	}
}

func TestManager_IdleTimeoutReconnects(t *testing.T) {
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return testutil.NewScriptedConn(nil, nil), nil
	})

	opts := testManagerOptions()
	opts.IdleTimeout = 20 * time.Millisecond
	m := NewManager(dialer, opts)

	g := testutil.NewGroup(t)
	g.Go(func(ctx context.Context) error {
		return m.Run(ctx, &collectSink{})
	})

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return m.Stats().IdleTimeouts >= 2
	}); err != nil {
		t.Fatal(err)
	}
	g.Stop()

	if dials.Load() < 3 {
		t.Errorf("dials = %d, want reconnects after idle timeouts", dials.Load())
	}
}

func TestManager_FatalDialStops(t *testing.T) {
	fatal := errors.Mark(errors.New("handshake rejected: 401 Unauthorized"), errors.ErrFatalConnection)
	m := NewManager(DialerFunc(func(ctx context.Context) (Conn, error) {
		return nil, fatal
	}), testManagerOptions())

	err := m.Run(context.Background(), &collectSink{})
	if !errors.Is(err, errors.ErrFatalConnection) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if m.Live() {
		t.Error("should not be live")
	}
}

func TestManager_FatalReadStops(t *testing.T) {
	fatal := errors.Mark(errors.New("session revoked"), errors.ErrFatalConnection)
	conn := testutil.NewScriptedConn(testutil.JSONMessages("X", 0, 3), fatal)
	m := NewManager(DialerFunc(func(ctx context.Context) (Conn, error) {
		return conn, nil
	}), testManagerOptions())

	sink := &collectSink{}
	err := m.Run(context.Background(), sink)
	if !errors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if sink.Len() != 3 {
		t.Errorf("messages = %d", sink.Len())
	}
	if !conn.Closed() {
		t.Error("connection should be closed")
	}
}

func TestManager_UnclassifiedReadErrorIsTransient(t *testing.T) {
	m := NewManager(DialerFunc(func(ctx context.Context) (Conn, error) {
		return nil, errors.ErrFatalConnection
	}), testManagerOptions())

	sink := &collectSink{}
	err := m.readLoop(context.Background(), testutil.NewScriptedConn(testutil.JSONMessages("X", 0, 2), io.ErrUnexpectedEOF), sink)
	if !errors.Is(err, errors.ErrTransientConnection) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected transient wrapping of EOF, got %v", err)
	}
	if errors.IsFatal(err) {
		t.Error("unclassified read error must not be fatal")
	}
	if sink.Len() != 2 {
		t.Errorf("messages = %d", sink.Len())
	}

	closed := m.readLoop(context.Background(), testutil.NewScriptedConn(nil, errors.ErrIdleTimeout), sink)
	if !errors.Is(closed, errors.ErrIdleTimeout) || errors.Is(closed, errors.ErrTransientConnection) {
		t.Errorf("classified error should pass through unchanged, got %v", closed)
	}
}

func TestManager_CancelClosesConnection(t *testing.T) {
	conn := testutil.NewScriptedConn(nil, nil)
	m := NewManager(DialerFunc(func(ctx context.Context) (Conn, error) {
		return conn, nil
	}), testManagerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, &collectSink{}) }()

	if err := testutil.Eventually(time.Second, time.Millisecond, m.Live); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancellation should return nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if !conn.Closed() {
		t.Error("connection should be closed")
	}
}

func TestManager_BackoffResetsAfterStableConnection(t *testing.T) {
	transient := errors.Mark(errors.New("eof"), errors.ErrTransientConnection)
	var dials atomic.Int32
	m := NewManager(DialerFunc(func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return testutil.NewScriptedConn(nil, transient), nil
	}), ManagerOptions{
		IdleTimeout: time.Second,
		StableAfter: 0,
		Backoff:     retry.Policy{Base: time.Millisecond, Cap: time.Hour},
	})

	g := testutil.NewGroup(t)
	g.Go(func(ctx context.Context) error {
		return m.Run(ctx, &collectSink{})
	})

	// Without the reset the delay would double each time and stall well
	// before 20 dials.
	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool {
		return dials.Load() >= 20
	}); err != nil {
		t.Fatalf("dials = %d: %v", dials.Load(), err)
	}
	g.Stop()
}
