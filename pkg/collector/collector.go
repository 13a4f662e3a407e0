// Package collector implements the UDP and TCP network listeners that
// convert socket bytes into raw request strings pushed onto the shared
// queue.
package collector

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vela-metrics/statsdaemon/pkg/queue"
)

// State is a collector's lifecycle stage.
type State int32

const (
	Init State = iota
	Configured
	Binding
	Queuing
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Configured:
		return "configured"
	case Binding:
		return "binding"
	case Queuing:
		return "queuing"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config is the configuration common to both collector variants.
type Config struct {
	Host string
	Port int

	// User and Group name a privilege drop to perform after binding.
	// Empty means no privilege drop.
	User  string
	Group string

	// RateLimit caps accepted datagrams (UDP) or accepted connections
	// (TCP) per second. Zero means unlimited.
	RateLimit rate.Limit
}

// newLimiter returns nil when cfg carries no rate limit, so callers can
// treat a nil *rate.Limiter as "unlimited" without a branch at every call
// site.
func newLimiter(limit rate.Limit) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	return rate.NewLimiter(limit, int(limit)+1)
}

// stateMachine tracks a collector's lifecycle and lets callers block until
// a given transition has happened.
type stateMachine struct {
	state State

	mu           sync.Mutex
	queuingCond  *sync.Cond
	shutdownCond *sync.Cond
}

func newStateMachine() *stateMachine {
	sm := &stateMachine{state: Init}
	sm.queuingCond = sync.NewCond(&sm.mu)
	sm.shutdownCond = sync.NewCond(&sm.mu)
	return sm
}

func (sm *stateMachine) set(s State) {
	atomic.StoreInt32((*int32)(&sm.state), int32(s))
	sm.mu.Lock()
	sm.queuingCond.Broadcast()
	sm.shutdownCond.Broadcast()
	sm.mu.Unlock()
}

func (sm *stateMachine) get() State {
	return State(atomic.LoadInt32((*int32)(&sm.state)))
}

// IsQueuingRequests reports whether the collector is actively accepting
// and enqueuing requests.
func (sm *stateMachine) IsQueuingRequests() bool {
	return sm.get() == Queuing
}

// WaitUntilQueuingRequests blocks until the collector reaches the Queuing
// state or a terminal state.
func (sm *stateMachine) WaitUntilQueuingRequests() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for sm.get() != Queuing && sm.get() != Stopped && sm.get() != ShuttingDown {
		sm.queuingCond.Wait()
	}
}

// WaitUntilShutdown blocks until the collector reaches the Stopped state.
func (sm *stateMachine) WaitUntilShutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for sm.get() != Stopped {
		sm.shutdownCond.Wait()
	}
}

// enqueue puts a non-empty raw request string on q, logging and dropping it
// on any queue error other than backpressure blocking.
func enqueue(q *queue.Queue, logger logrus.FieldLogger, data string) {
	if data == "" {
		return
	}
	if err := q.Put(data); err != nil {
		logger.WithError(err).Debug("failed to enqueue request")
	}
}
