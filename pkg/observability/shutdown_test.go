package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// TestNewShutdownManager tests the creation of a new shutdown manager
func TestNewShutdownManager(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{"with custom timeout", 10 * time.Second, 10 * time.Second},
		{"with zero timeout uses default", 0, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(nil, tt.timeout)
			if sm.shutdownTimeout != tt.expectedTimeout {
				t.Errorf("Expected timeout %v, got %v", tt.expectedTimeout, sm.shutdownTimeout)
			}
			if sm.logger == nil {
				t.Error("Expected default logger")
			}
		})
	}
}

// TestShutdownManager_ReverseOrder tests that cleanup runs last-registered first
func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(discardLogger(), time.Second)

	var order []string
	for _, name := range []string{"tracing", "registry", "manager"} {
		sm.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(order, ",") != "manager,registry,tracing" {
		t.Errorf("unexpected order %v", order)
	}

	// Second call does not run the functions again
	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("shutdown functions ran twice: %v", order)
	}
}

// TestShutdownManager_Errors tests that failures are joined and later functions still run
func TestShutdownManager_Errors(t *testing.T) {
	sm := NewShutdownManager(discardLogger(), time.Second)
	ran := false
	sm.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.Register("broken", func(ctx context.Context) error {
		return errors.New("disk gone")
	})

	err := sm.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken: disk gone") {
		t.Errorf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected remaining functions to run")
	}
}

// TestShutdownManager_Timeout tests that the timeout stops remaining cleanup
func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(discardLogger(), 20*time.Millisecond)
	skipped := true
	sm.Register("never", func(ctx context.Context) error {
		skipped = false
		return nil
	})
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !skipped {
		t.Error("expected cleanup after the timeout to be skipped")
	}
}
