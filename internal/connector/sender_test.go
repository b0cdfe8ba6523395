package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

func TestSenderWaitsForOutboundCapacity(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.Outbound = ratelimit.PerInterval(1, 100*time.Millisecond)
	sender, err := NewSender("irc", policy, nil, nil)
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}

	ok := func(context.Context) error { return nil }
	if err := sender.Send(context.Background(), "#stream", ok); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	started := time.Now()
	if err := sender.Send(context.Background(), "#stream", ok); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if waited := time.Since(started); waited < 50*time.Millisecond {
		t.Fatalf("second send waited %s, want outbound throttling", waited)
	}
}

func TestSenderStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.SendAttempts = 100
	policy.SendRetryBase = 10 * time.Millisecond
	sender, err := NewSender("irc", policy, nil, nil)
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err = sender.Send(ctx, "#stream", func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return kagura.ErrTransport
	})
	if !errors.Is(err, kagura.ErrUnavailable) {
		t.Fatalf("error = %v, want unavailable", err)
	}
	if calls >= 100 {
		t.Fatalf("calls = %d, want retries stopped by cancellation", calls)
	}
}

func TestSenderAttemptTimeout(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.SendAttempts = 1
	policy.SendTimeout = 20 * time.Millisecond
	sender, err := NewSender("irc", policy, nil, nil)
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}

	err = sender.Send(context.Background(), "#stream", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want per-attempt deadline", err)
	}
}

func TestSenderDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	sender, err := NewSender("irc", testPolicy(), nil, nil)
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}

	calls := 0
	err = sender.Send(context.Background(), "#stream", func(context.Context) error {
		calls++
		return fmt.Errorf("chat not found: %w", ErrPermanent)
	})
	var sendErr *kagura.SendError
	if !errors.As(err, &sendErr) || !errors.Is(err, ErrPermanent) {
		t.Fatalf("error = %v, want permanent send error", err)
	}
	if calls != 1 || sendErr.Attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1", calls, sendErr.Attempts)
	}
}
