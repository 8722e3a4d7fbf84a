package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/types"
)

// fakeCloser records the order closers are closed in
type fakeCloser struct {
	name  string
	err   error
	mu    *sync.Mutex
	order *[]string
}

func (f *fakeCloser) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.order = append(*f.order, f.name)
	return f.err
}

func TestNewShutdownManager(t *testing.T) {
	sm := NewShutdownManager(10*time.Second, logger.NewNop())

	if sm.State() != ShutdownStateRunning {
		t.Errorf("expected state %s, got %s", ShutdownStateRunning, sm.State())
	}
	if sm.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be false initially")
	}
	if sm.IsComplete() {
		t.Error("expected IsComplete to be false initially")
	}
}

func TestShutdownManagerStartStop(t *testing.T) {
	sm := NewShutdownManager(5*time.Second, logger.NewNop())

	sm.Start()
	sm.Start()
	sm.Stop()
	sm.Stop()

	select {
	case <-sm.Context().Done():
	default:
		t.Error("expected the shutdown context to be canceled after Stop")
	}
}

func TestShutdownClosesInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	first := &fakeCloser{name: "first", mu: &mu, order: &order}
	second := &fakeCloser{name: "second", mu: &mu, order: &order}

	sm := NewShutdownManager(5*time.Second, logger.NewNop(), first)
	sm.AddCloser(second)
	sm.AddHook(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "pre")
		return nil
	})
	sm.AddPostHook(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "post")
		return nil
	})

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := []string{"pre", "second", "first", "post"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if !sm.IsComplete() {
		t.Error("expected shutdown to be complete")
	}
	if sm.ShutdownReason() != "test" {
		t.Errorf("expected reason %q, got %q", "test", sm.ShutdownReason())
	}
}

func TestShutdownTwiceFails(t *testing.T) {
	sm := NewShutdownManager(time.Second, logger.NewNop())

	if err := sm.Shutdown(context.Background(), "first"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	err := sm.Shutdown(context.Background(), "second")
	if !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		t.Errorf("expected FAILED_PRECONDITION, got %v", err)
	}
	if sm.ShutdownReason() != "first" {
		t.Errorf("expected the first reason to be kept, got %q", sm.ShutdownReason())
	}
}

func TestShutdownReportsCloseFailures(t *testing.T) {
	var mu sync.Mutex
	var order []string
	broken := &fakeCloser{name: "broken", err: errors.New("boom"), mu: &mu, order: &order}
	healthy := &fakeCloser{name: "healthy", mu: &mu, order: &order}

	sm := NewShutdownManager(time.Second, logger.NewNop(), healthy, broken)
	err := sm.Shutdown(context.Background(), "test")
	if !types.IsErrCode(err, types.ErrCodePartialFailure) {
		t.Fatalf("expected PARTIAL_FAILURE, got %v", err)
	}
	if len(order) != 2 {
		t.Errorf("expected every closer to be closed, got %v", order)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sm.WaitCompletion(ctx); err == nil {
		t.Error("expected WaitCompletion to return the close error")
	}
}

func TestShutdownHookFailureDoesNotStopShutdown(t *testing.T) {
	var mu sync.Mutex
	var order []string
	sm := NewShutdownManager(time.Second, logger.NewNop(), &fakeCloser{name: "node", mu: &mu, order: &order})
	sm.AddHook(func(context.Context) error { return errors.New("hook failed") })

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(order) != 1 {
		t.Errorf("expected the node to be closed, got %v", order)
	}
}

func TestWaitCompletionCanceled(t *testing.T) {
	sm := NewShutdownManager(time.Second, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sm.WaitCompletion(ctx)
	if !types.IsErrCode(err, types.ErrCodeCanceled) {
		t.Errorf("expected CANCELED, got %v", err)
	}
}
