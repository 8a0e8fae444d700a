package retry

import (
	"context"
	"errors"
	"testing"
)

func TestDoReturnsNilOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestDoRetriesUpToAttemptsThenReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	err := Do(context.Background(), 2, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error returned, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls for attempts=2, got %d", calls)
	}
}

func TestDoStopsEarlyOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, 3, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if calls != 0 {
		t.Fatalf("expected no calls once context already canceled, got %d", calls)
	}
}

func TestDoDefaultsAttemptsWhenZero(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if calls != DefaultAttempts {
		t.Fatalf("expected %d calls, got %d", DefaultAttempts, calls)
	}
}
