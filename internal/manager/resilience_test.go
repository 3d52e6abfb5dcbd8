package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/crew/internal/backend"
)

// sequenceBackend replays a fixed list of responses and errors.
type sequenceBackend struct {
	mu        sync.Mutex
	responses []any
	calls     int
}

func (b *sequenceBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.calls >= len(b.responses) {
		return backend.Response{}, fmt.Errorf("unexpected call %d", b.calls+1)
	}
	r := b.responses[b.calls]
	b.calls++

	switch v := r.(type) {
	case backend.Response:
		return v, nil
	case error:
		return backend.Response{}, v
	default:
		return backend.Response{}, fmt.Errorf("invalid response type %T", v)
	}
}

func (b *sequenceBackend) Close() error { return nil }

func (b *sequenceBackend) Name() string { return "sequence" }

func (b *sequenceBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestSend_TransientThenSuccess(t *testing.T) {
	b := &sequenceBackend{responses: []any{
		errors.New("transient 1"),
		errors.New("transient 2"),
		backend.Response{Content: "success"},
	}}

	resp, err := send(context.Background(), b, backend.Message{Content: "hi"}, NewBreakerRegistry().Get("test"), fastRetry())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Content != "success" {
		t.Errorf("content = %q", resp.Content)
	}
	if b.callCount() != 3 {
		t.Errorf("calls = %d, want 3", b.callCount())
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	b := &sequenceBackend{responses: []any{
		errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4"),
	}}

	_, err := send(context.Background(), b, backend.Message{}, NewBreakerRegistry().Get("test"), fastRetry())
	if err == nil || err.Error() != "e3" {
		t.Fatalf("err = %v, want the last error", err)
	}
	if b.callCount() != 3 {
		t.Errorf("calls = %d, want 1 + 2 retries", b.callCount())
	}
}

func TestSend_OpenBreakerNotRetried(t *testing.T) {
	responses := make([]any, 20)
	for i := range responses {
		responses[i] = fmt.Errorf("persistent %d", i+1)
	}
	b := &sequenceBackend{responses: responses}
	cb := NewBreakerRegistry().Get("test")

	// Two calls of three tries each trip the breaker on the fifth failure.
	for range 2 {
		send(context.Background(), b, backend.Message{}, cb, fastRetry())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	before := b.callCount()
	_, err := send(context.Background(), b, backend.Message{}, cb, fastRetry())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if b.callCount() != before {
		t.Error("backend called while breaker open")
	}
}

func TestSend_ContextStopsRetries(t *testing.T) {
	responses := make([]any, 100)
	for i := range responses {
		responses[i] = fmt.Errorf("error %d", i+1)
	}
	b := &sequenceBackend{responses: responses}
	cfg := RetryConfig{InitialInterval: 50 * time.Millisecond, MaxInterval: 200 * time.Millisecond, MaxRetries: 50, Multiplier: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := send(ctx, b, backend.Message{}, NewBreakerRegistry().Get("test"), cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send took %v after the deadline", elapsed)
	}
}

func TestBreakerRegistry_PerProvider(t *testing.T) {
	r := NewBreakerRegistry()

	a1 := r.Get("anthropic")
	a2 := r.Get("anthropic")
	b := r.Get("bedrock")

	if a1 != a2 {
		t.Error("expected the same breaker for one provider")
	}
	if a1 == b {
		t.Error("expected separate breakers per provider")
	}
	if b.Name() != "bedrock" {
		t.Errorf("name = %q", b.Name())
	}
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewBreakerRegistry().Get("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 6 {
		b := &sequenceBackend{responses: []any{context.Canceled}}
		if _, err := send(ctx, b, backend.Message{}, cb, fastRetry()); err == nil {
			t.Fatal("expected error")
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}
