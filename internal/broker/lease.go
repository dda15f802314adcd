package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned for a lease transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("broker: invalid lease transition")

// LeaseState is the lifecycle position of a single message lease.
type LeaseState int

const (
	LeaseIdle LeaseState = iota
	LeaseLeased
	LeaseAcked
	LeaseExpired
)

func (s LeaseState) String() string {
	switch s {
	case LeaseIdle:
		return "idle"
	case LeaseLeased:
		return "leased"
	case LeaseAcked:
		return "acked"
	case LeaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("lease_state(%d)", int(s))
	}
}

// Lease tracks Idle -> Leased -> {Acked, Expired}. Acked and Expired are
// terminal.
type Lease struct {
	mu    sync.Mutex
	state LeaseState
	until time.Time
	now   func() time.Time
}

// NewLease returns an idle lease measured against the wall clock.
func NewLease() *Lease {
	return NewLeaseWithClock(time.Now)
}

// NewLeaseWithClock returns an idle lease whose deadline is checked against
// now. Brokers pass the clock they computed the deadline with.
func NewLeaseWithClock(now func() time.Time) *Lease {
	if now == nil {
		now = time.Now
	}
	return &Lease{now: now}
}

// Acquire moves an idle lease to Leased until the given deadline.
func (l *Lease) Acquire(until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LeaseIdle {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, LeaseLeased)
	}
	l.state = LeaseLeased
	l.until = until
	return nil
}

// Ack marks the lease acknowledged. A lease past its deadline is expired
// instead and ErrLeaseLost is returned.
func (l *Lease) Ack() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	switch l.state {
	case LeaseLeased:
		l.state = LeaseAcked
		return nil
	case LeaseExpired:
		return ErrLeaseLost
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, LeaseAcked)
	}
}

// Expire ends a lease without acknowledgement.
func (l *Lease) Expire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case LeaseLeased:
		l.state = LeaseExpired
		return nil
	case LeaseExpired:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, LeaseExpired)
	}
}

// State reports the current state, expiring the lease if its deadline passed.
func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked()
	return l.state
}

// Until returns the lease deadline.
func (l *Lease) Until() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.until
}

func (l *Lease) expireLocked() {
	if l.state == LeaseLeased && !l.until.IsZero() && !l.now().Before(l.until) {
		l.state = LeaseExpired
	}
}
