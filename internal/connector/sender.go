package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ex-kagura/internal/metrics"
	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

// Sender applies the outbound rate limit and bounded retries to sends.
type Sender struct {
	id       kagura.ConnectorID
	policy   Policy
	outbound *ratelimit.Bucket
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSender creates a sender for connector id.
func NewSender(id kagura.ConnectorID, policy Policy, logger *slog.Logger, m *metrics.Metrics) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sender := &Sender{
		id:      id,
		policy:  policy.withDefaults(),
		logger:  logger,
		metrics: m,
	}
	if policy.Outbound != (ratelimit.Config{}) {
		bucket, err := ratelimit.NewBucket(policy.Outbound)
		if err != nil {
			return nil, fmt.Errorf("new sender %s outbound: %w", id, err)
		}
		sender.outbound = bucket
	}

	return sender, nil
}

// Send runs attempt until it succeeds or the attempt budget is spent.
//
// Each attempt gets its own timeout. Exhaustion returns *kagura.SendError.
func (s *Sender) Send(ctx context.Context, channel kagura.ChannelID, attempt func(context.Context) error) error {
	if s.outbound != nil {
		if err := s.outbound.Wait(ctx, 1); err != nil {
			return fmt.Errorf("send %s/%s outbound limit: %w", s.id, channel, err)
		}
	}

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.SendTimeout)
		defer cancel()

		err := attempt(attemptCtx)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}

		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("send attempt failed", "channel", string(channel), "error", err, "retry_in", wait.String())
	}

	if err := backoff.RetryNotify(operation, s.backOff(ctx), notify); err != nil {
		s.metrics.SendFailure(string(s.id))
		return &kagura.SendError{Connector: s.id, Channel: channel, Attempts: attempts, Cause: err}
	}

	return nil
}

func (s *Sender) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.SendRetryBase
	b.MaxInterval = s.policy.SendRetryBase * 8
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.policy.SendAttempts-1)), ctx)
}
