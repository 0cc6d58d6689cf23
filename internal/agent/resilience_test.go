package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomhq/loom/internal/memory"
)

// flakyInvoker fails a fixed number of times before succeeding.
type flakyInvoker struct {
	failures int
	calls    int
}

func (f *flakyInvoker) Generate(ctx context.Context, instructions string, snapshot map[string]memory.Discovery) ([]Artifact, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient failure")
	}
	return []Artifact{{Path: "out.txt", Content: []byte("ok")}}, nil
}

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func TestGenerateWithRetryRecovers(t *testing.T) {
	inv := &flakyInvoker{failures: 2}
	cb := NewBreakerRegistry(nil).Get("test")

	artifacts, err := generateWithRetry(context.Background(), inv, "do it", nil, cb, fastRetryPolicy())
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(artifacts) != 1 || inv.calls != 3 {
		t.Errorf("artifacts=%v calls=%d", artifacts, inv.calls)
	}
}

func TestGenerateWithRetryRespectsCancellation(t *testing.T) {
	inv := &flakyInvoker{failures: 1000}
	cb := NewBreakerRegistry(nil).Get("cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := generateWithRetry(ctx, inv, "do it", nil, cb, fastRetryPolicy())
	if err == nil {
		t.Fatal("expected error")
	}
	if inv.calls != 0 {
		t.Errorf("cancelled context should prevent invocation, got %d calls", inv.calls)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inv := &flakyInvoker{failures: 1000}
	cb := NewBreakerRegistry(nil).Get("flaky")

	// Exhaust the breaker outside the retry loop.
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) {
			return inv.Generate(context.Background(), "x", nil)
		})
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}

	calls := inv.calls
	_, err := generateWithRetry(context.Background(), inv, "x", nil, cb, fastRetryPolicy())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if inv.calls != calls {
		t.Error("open breaker must not reach the invoker")
	}
}

func TestBreakerRegistryReusesInstances(t *testing.T) {
	reg := NewBreakerRegistry(nil)
	if reg.Get("a") != reg.Get("a") {
		t.Error("same name should return the same breaker")
	}
	if reg.Get("a") == reg.Get("b") {
		t.Error("different names should return different breakers")
	}
}
