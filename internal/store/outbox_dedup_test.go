package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// outboxBackends returns every outbox implementation that runs without
// external services.
func outboxBackends(t *testing.T) map[string]interface {
	OutboxRepo
	DedupRepo
} {
	return map[string]interface {
		OutboxRepo
		DedupRepo
	}{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestOutboxRepo_EnqueueAndClaim(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueOutboxMessage("+111", OutboxKindReply, `{"body":"hola"}`, "")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage failed: %v", err)
			}
			msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
			if err != nil {
				t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
			}
			if len(msgs) != 1 || msgs[0].ID != id {
				t.Fatalf("expected message %s to be claimed, got %+v", id, msgs)
			}
			if msgs[0].Status != OutboxStatusSending || msgs[0].Recipient != "+111" || msgs[0].LockedAt == nil {
				t.Errorf("unexpected claimed message %+v", msgs[0])
			}

			again, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
			if len(again) != 0 {
				t.Errorf("expected claimed message to be invisible, got %d", len(again))
			}
		})
	}
}

func TestOutboxRepo_DedupeKey(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id1, err := s.EnqueueOutboxMessage("+111", OutboxKindReply, `{}`, "reply:SM1")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage 1 failed: %v", err)
			}
			id2, err := s.EnqueueOutboxMessage("+111", OutboxKindReply, `{}`, "reply:SM1")
			if err != nil {
				t.Fatalf("EnqueueOutboxMessage 2 failed: %v", err)
			}
			if id2 != id1 {
				t.Errorf("Expected same ID for duplicate dedupe key, got %q and %q", id1, id2)
			}

			if err := s.MarkOutboxMessageSent(id1); err != nil {
				t.Fatalf("MarkOutboxMessageSent: %v", err)
			}
			id3, _ := s.EnqueueOutboxMessage("+111", OutboxKindReply, `{}`, "reply:SM1")
			if id3 == id1 {
				t.Error("expected a new message once the previous one was sent")
			}
		})
	}
}

func TestOutboxRepo_FailRetryAndGiveUp(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, _ := s.EnqueueOutboxMessage("+111", OutboxKindCRMSync, `{}`, "")
			s.ClaimDueOutboxMessages(time.Now(), 10)

			if err := s.FailOutboxMessage(id, "send error", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("FailOutboxMessage failed: %v", err)
			}
			if msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10); len(msgs) != 0 {
				t.Errorf("expected retry to wait for next_attempt_at, got %d", len(msgs))
			}
			msgs, _ := s.ClaimDueOutboxMessages(time.Now().Add(2*time.Hour), 10)
			if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "send error" {
				t.Fatalf("expected 1 retryable message with attempt 1, got %+v", msgs)
			}

			if err := s.MarkOutboxMessageFailed(id, "permanent"); err != nil {
				t.Fatalf("MarkOutboxMessageFailed: %v", err)
			}
			if msgs, _ := s.ClaimDueOutboxMessages(time.Now().Add(48*time.Hour), 10); len(msgs) != 0 {
				t.Errorf("expected failed message to stay failed, got %d", len(msgs))
			}
		})
	}
}

func TestOutboxRepo_RequeueStale(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			s.EnqueueOutboxMessage("+111", OutboxKindReply, `{}`, "")
			s.ClaimDueOutboxMessages(time.Now(), 10)

			n, err := s.RequeueStaleSendingMessages(time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 requeued, got %d", n)
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	for name, s := range outboxBackends(t) {
		t.Run(name, func(t *testing.T) {
			dup, err := s.IsDuplicate("SM1")
			if err != nil || dup {
				t.Fatalf("expected new message, got dup=%v err=%v", dup, err)
			}
			isNew, err := s.RecordInbound("SM1", "+111")
			if err != nil || !isNew {
				t.Fatalf("expected first record to be new, got %v %v", isNew, err)
			}
			isNew, err = s.RecordInbound("SM1", "+111")
			if err != nil || isNew {
				t.Errorf("expected duplicate record, got isNew=%v err=%v", isNew, err)
			}
			if dup, _ := s.IsDuplicate("SM1"); !dup {
				t.Error("expected SM1 to be a duplicate")
			}
			if err := s.MarkProcessed("SM1"); err != nil {
				t.Errorf("MarkProcessed: %v", err)
			}
		})
	}
}

func TestOutboxSender_DeliversAndReportsSent(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewInMemoryStore()

	var sent int32
	delivered := make(chan OutboxMessage, 1)
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond, WithOnSent(func(m OutboxMessage) { delivered <- m }))

	id, _ := s.EnqueueOutboxMessage("+111", OutboxKindReply, `{"body":"Hello"}`, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Run(ctx)
		close(done)
	}()

	select {
	case m := <-delivered:
		if m.ID != id {
			t.Errorf("unexpected delivered message %s", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	cancel()
	<-done

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send, got %d", atomic.LoadInt32(&sent))
	}
	if got := s.OutboxMessages()[0].Status; got != OutboxStatusSent {
		t.Errorf("expected sent status, got %s", got)
	}
}

func TestOutboxSender_BackoffAndGiveUp(t *testing.T) {
	s := NewInMemoryStore()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("provider down")
	}, time.Second, WithMaxAttempts(2))

	s.EnqueueOutboxMessage("+111", OutboxKindReply, `{}`, "")
	sender.poll(context.Background())

	msg := s.OutboxMessages()[0]
	if msg.Status != OutboxStatusQueued || msg.Attempts != 1 || msg.NextAttemptAt == nil {
		t.Fatalf("expected a scheduled retry, got %+v", msg)
	}
	if wait := time.Until(*msg.NextAttemptAt); wait < 9*time.Second || wait > 11*time.Second {
		t.Errorf("expected ~10s backoff, got %v", wait)
	}

	s.outbox[msg.ID].NextAttemptAt = nil
	sender.poll(context.Background())
	if got := s.OutboxMessages()[0]; got.Status != OutboxStatusFailed || got.LastError != "provider down" {
		t.Errorf("expected message to be marked failed, got %+v", got)
	}
}

func TestOutboxSenderRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, _ := s1.EnqueueOutboxMessage("+111", OutboxKindReply, `{"body":"hola"}`, "")
	// Claimed but never confirmed: the process "crashes" mid-send.
	s1.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10)
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sentIDs []string
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		sentIDs = append(sentIDs, msg.ID)
		return nil
	}, time.Second)
	if err := sender.RecoverStaleMessages(); err != nil {
		t.Fatalf("RecoverStaleMessages: %v", err)
	}
	sender.poll(context.Background())
	sender.poll(context.Background())

	if len(sentIDs) != 1 || sentIDs[0] != id {
		t.Errorf("expected message %s to be sent exactly once, got %v", id, sentIDs)
	}
}

func TestRouteByKind(t *testing.T) {
	var got []string
	send := RouteByKind(map[string]OutboxSendFunc{
		OutboxKindReply: func(ctx context.Context, msg OutboxMessage) error {
			got = append(got, "reply:"+msg.ID)
			return nil
		},
		OutboxKindCRMSync: func(ctx context.Context, msg OutboxMessage) error {
			got = append(got, "crm:"+msg.ID)
			return nil
		},
	})
	ctx := context.Background()
	if err := send(ctx, OutboxMessage{ID: "1", Kind: OutboxKindReply}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := send(ctx, OutboxMessage{ID: "2", Kind: OutboxKindCRMSync}); err != nil {
		t.Fatalf("crm: %v", err)
	}
	if err := send(ctx, OutboxMessage{ID: "3", Kind: "fax"}); !errors.Is(err, ErrUnknownOutboxKind) {
		t.Fatalf("expected ErrUnknownOutboxKind, got %v", err)
	}
	if len(got) != 2 || got[0] != "reply:1" || got[1] != "crm:2" {
		t.Errorf("unexpected routing %v", got)
	}
}
