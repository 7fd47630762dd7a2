package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestOutboxSenderRetriesThenSends(t *testing.T) {
	s := NewInMemoryStore()
	id, _ := s.EnqueueOutboxMessage("dev", "skin_sync", `{}`, "")

	var calls int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("upstream 503")
		}
		return nil
	}, time.Hour, WithBackoff(time.Nanosecond, time.Nanosecond))

	if sent := sender.Flush(context.Background()); sent != 0 {
		t.Fatalf("first flush sent %d", sent)
	}
	time.Sleep(time.Millisecond)
	if sent := sender.Flush(context.Background()); sent != 1 {
		t.Fatalf("second flush sent %d", sent)
	}
	msgs, _ := s.ListOutboxMessages("dev")
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Status != OutboxStatusSent || msgs[0].Attempts != 1 {
		t.Errorf("unexpected message state %+v", msgs)
	}
}

func TestOutboxSenderGivesUp(t *testing.T) {
	s := NewInMemoryStore()
	s.EnqueueOutboxMessage("dev", "skin_sync", `{}`, "")
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error {
		return errors.New("still down")
	}, time.Hour, WithBackoff(time.Nanosecond, time.Nanosecond), WithMaxAttempts(2))

	for i := 0; i < 3; i++ {
		sender.Flush(context.Background())
		time.Sleep(time.Millisecond)
	}
	msgs, _ := s.ListOutboxMessages("dev")
	if msgs[0].Status != OutboxStatusFailed || msgs[0].Attempts != 2 {
		t.Errorf("expected failed after 2 attempts, got %+v", msgs[0])
	}
}

func TestOutboxRouterUnknownKindIsPermanent(t *testing.T) {
	s := NewInMemoryStore()
	s.EnqueueOutboxMessage("dev", "mystery", `{}`, "")
	router := OutboxRouter{"skin_sync": func(context.Context, OutboxMessage) error { return nil }}
	sender := NewOutboxSender(s, router.Send, time.Hour)
	sender.Flush(context.Background())

	msgs, _ := s.ListOutboxMessages("dev")
	if msgs[0].Status != OutboxStatusFailed {
		t.Errorf("status = %s, want failed", msgs[0].Status)
	}
}

func TestOutboxBackoff(t *testing.T) {
	sender := NewOutboxSender(NewInMemoryStore(), nil, time.Hour, WithBackoff(10*time.Second, time.Minute))
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, time.Minute},
		{10, time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempts), func(t *testing.T) {
			if got := sender.backoff(tt.attempts); got != tt.want {
				t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestOutboxSenderRunStopsOnCancel(t *testing.T) {
	s := NewInMemoryStore()
	s.EnqueueOutboxMessage("dev", "skin_sync", `{}`, "")
	var calls int32
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("message was never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestOutboxSenderLeavesCanceledMessage(t *testing.T) {
	s := NewInMemoryStore()
	s.EnqueueOutboxMessage("dev", "skin_sync", `{}`, "skin:u1")
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error {
		if _, err := s.CancelOutboxMessages("skin:u1", "superseded"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		return errors.New("upstream timeout")
	}, time.Hour)

	sender.Flush(context.Background())

	msgs, _ := s.ListOutboxMessages("dev")
	if len(msgs) != 1 || msgs[0].Status != OutboxStatusCanceled || msgs[0].Attempts != 0 {
		t.Fatalf("expected canceled message left alone, got %+v", msgs)
	}
	if n := sender.Flush(context.Background()); n != 0 {
		t.Errorf("canceled message was sent again")
	}
}
