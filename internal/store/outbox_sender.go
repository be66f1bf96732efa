package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 8
	defaultStaleThreshold     = 5 * time.Minute
	defaultClaimLimit         = 10
)

// OutboxSendFunc performs the actual delivery of one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and delivers them,
// retrying failures with exponential backoff.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	onSent         func(OutboxMessage)
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithMaxAttempts bounds delivery attempts before a message is marked failed.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		s.maxAttempts = n
	}
}

// WithOnSent registers a callback invoked after each successful delivery.
func WithOnSent(fn func(OutboxMessage)) SenderOption {
	return func(s *OutboxSender) {
		s.onSent = fn
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: defaultStaleThreshold,
		claimLimit:     defaultClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state. Call once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-s.staleThreshold))
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

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			s.fail(msg, err, now)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
		if s.onSent != nil {
			s.onSent(msg)
		}
	}
}

func (s *OutboxSender) fail(msg OutboxMessage, sendErr error, now time.Time) {
	if s.maxAttempts > 0 && msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.poll: giving up on message", "id", msg.ID, "attempts", msg.Attempts+1, "error", sendErr)
		if err := s.repo.MarkOutboxMessageFailed(msg.ID, sendErr.Error()); err != nil {
			slog.Error("OutboxSender.poll: mark failed error", "id", msg.ID, "error", err)
		}
		return
	}
	slog.Warn("OutboxSender.poll: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", sendErr)
	// 10s, 20s, 40s, ...
	backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
	if err := s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), now.Add(backoff)); err != nil {
		slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
	}
}

// ErrUnknownOutboxKind is returned by RouteByKind for unrouted kinds.
var ErrUnknownOutboxKind = errors.New("no sender for outbox kind")

// RouteByKind returns a send function that dispatches on OutboxMessage.Kind.
func RouteByKind(routes map[string]OutboxSendFunc) OutboxSendFunc {
	return func(ctx context.Context, msg OutboxMessage) error {
		fn, ok := routes[msg.Kind]
		if !ok || fn == nil {
			return fmt.Errorf("%w: %q", ErrUnknownOutboxKind, msg.Kind)
		}
		return fn(ctx, msg)
	}
}
