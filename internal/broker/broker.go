// Package broker defines the lease/acknowledge contract the worker relies on
// and the lease state machine shared by every backend.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Receive when no message is visible.
	ErrNoMessage = errors.New("broker: no message available")
	// ErrLeaseLost is returned by Delete when the lease expired or the
	// message was leased again by another worker.
	ErrLeaseLost = errors.New("broker: lease lost")
)

// Message is one leased queue message.
type Message struct {
	ID           string
	Body         string
	Receipt      string
	DequeueCount int64
	LeasedUntil  time.Time
	Lease        *Lease
}

// Broker leases messages for a bounded time. A leased message that is not
// deleted before its lease ends becomes visible again.
type Broker interface {
	Receive(ctx context.Context, lease time.Duration) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
	// Abandon gives up a lease without acknowledging the message.
	Abandon(ctx context.Context, msg *Message) error
	Close() error
}
