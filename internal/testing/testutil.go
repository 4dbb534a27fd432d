// Package testing provides test utilities for tickpipe: goroutine-safe
// component runners, polling helpers and in-memory fakes of the pipeline's
// external collaborators.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
)

// Group runs component loops (Run methods) under one cancellable context.
//
// t.Fatal must not be called from a goroutine other than the test's own, so
// the loops return their errors and Group reports them when stopped. Stop is
// registered with t.Cleanup and may also be called explicitly.
//
//	g := testutil.NewGroup(t)
//	g.Go(batcher.Run)
//	...
//	g.Stop()
type Group struct {
	t      testing.TB
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error
	once sync.Once
}

// NewGroup creates a Group bound to t.
func NewGroup(t testing.TB) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{t: t, ctx: ctx, cancel: cancel}
	t.Cleanup(g.Stop)
	return g
}

// Go starts fn with the group context. Cancellation errors are expected on
// Stop and are not reported.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn(g.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		g.mu.Lock()
		g.errs = append(g.errs, err)
		g.mu.Unlock()
	}()
}

// Stop cancels the context, waits for every goroutine and fails the test
// for each error returned.
func (g *Group) Stop() {
	g.once.Do(func() {
		g.cancel()
		g.wg.Wait()

		g.mu.Lock()
		defer g.mu.Unlock()
		for _, err := range g.errs {
			g.t.Errorf("component returned: %v", err)
		}
	})
}

// Eventually polls condition every interval until it holds or timeout
// passes.
//
//	err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
//	    return writer.Stats().BatchesCommitted == 3
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(interval)
	defer poll.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-deadline.C:
			if condition() {
				return nil
			}
			return fmt.Errorf("condition not met within %v", timeout)
		case <-poll.C:
		}
	}
}
