package broker

import (
	"errors"
	"testing"
	"time"
)

func TestLeaseAcquireAck(t *testing.T) {
	lease := NewLease()
	if lease.State() != LeaseIdle {
		t.Fatalf("expected idle, got %s", lease.State())
	}
	if err := lease.Acquire(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := lease.Ack(); err != nil {
		t.Fatalf("Ack error: %v", err)
	}
	if lease.State() != LeaseAcked {
		t.Fatalf("expected acked, got %s", lease.State())
	}
	if err := lease.Expire(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from acked, got %v", err)
	}
}

func TestLeaseExpiresAtDeadline(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := NewLeaseWithClock(func() time.Time { return now })

	if err := lease.Acquire(now.Add(time.Second)); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	now = now.Add(time.Second)
	if lease.State() != LeaseExpired {
		t.Fatalf("expected expired, got %s", lease.State())
	}
	if err := lease.Ack(); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestLeaseInvalidTransitions(t *testing.T) {
	lease := NewLease()
	if err := lease.Ack(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for idle ack, got %v", err)
	}
	if err := lease.Acquire(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := lease.Acquire(time.Now().Add(time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for double acquire, got %v", err)
	}
	if err := lease.Expire(); err != nil {
		t.Fatalf("Expire error: %v", err)
	}
	if err := lease.Expire(); err != nil {
		t.Fatalf("repeated Expire should be a no-op, got %v", err)
	}
}
