package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// ErrPermanent marks a send failure that must not be retried.
var ErrPermanent = errors.New("permanent outbox failure")

// OutboxRouter dispatches messages to a send function by kind.
type OutboxRouter map[string]OutboxSendFunc

// Send implements OutboxSendFunc. Unknown kinds fail permanently.
func (r OutboxRouter) Send(ctx context.Context, msg OutboxMessage) error {
	fn, ok := r[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: no handler for kind %q", ErrPermanent, msg.Kind)
	}
	return fn(ctx, msg)
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithBackoff sets the first retry delay and the cap for exponential backoff.
func WithBackoff(base, max time.Duration) SenderOption {
	return func(s *OutboxSender) {
		s.backoffBase = base
		s.backoffMax = max
	}
}

// WithMaxAttempts sets how many sends are tried before a message is given up.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) { s.maxAttempts = n }
}

// WithClaimLimit sets how many messages are claimed per poll.
func WithClaimLimit(n int) SenderOption {
	return func(s *OutboxSender) { s.claimLimit = n }
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    8,
		backoffBase:    10 * time.Second,
		backoffMax:     30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// backoff returns the delay before the next attempt: base, 2*base, 4*base, ... capped.
func (s *OutboxSender) backoff(attempts int) time.Duration {
	d := s.backoffBase
	for i := 0; i < attempts && d < s.backoffMax; i++ {
		d *= 2
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return d
}

func (s *OutboxSender) poll(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "device", msg.DeviceID, "kind", msg.Kind, "attempt", msg.Attempts+1)
		err := s.sendFunc(ctx, msg)
		if err == nil {
			if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
				s.logUpdateError("mark sent", msg, err)
			}
			slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "device", msg.DeviceID)
			sent++
			continue
		}

		if errors.Is(err, ErrPermanent) || msg.Attempts+1 >= s.maxAttempts {
			slog.Error("OutboxSender.poll: giving up", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", err)
			if err := s.repo.GiveUpOutboxMessage(msg.ID, err.Error()); err != nil {
				s.logUpdateError("give up", msg, err)
			}
			continue
		}

		nextAttempt := now.Add(s.backoff(msg.Attempts))
		slog.Warn("OutboxSender.poll: send failed, retrying", "id", msg.ID, "kind", msg.Kind, "next", nextAttempt, "error", err)
		if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); err != nil {
			s.logUpdateError("fail", msg, err)
		}
	}
	return sent
}

func (s *OutboxSender) logUpdateError(op string, msg OutboxMessage, err error) {
	if errors.Is(err, ErrOutboxMessageNotFound) {
		slog.Info("OutboxSender.poll: message canceled while sending", "id", msg.ID, "kind", msg.Kind, "op", op)
		return
	}
	slog.Error("OutboxSender.poll: "+op+" error", "id", msg.ID, "error", err)
}

// Flush runs one poll immediately and returns how many messages were sent.
func (s *OutboxSender) Flush(ctx context.Context) int {
	return s.poll(ctx)
}
