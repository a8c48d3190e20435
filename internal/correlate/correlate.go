// Package correlate turns "send a request, collect a chain of asynchronous
// replies until a terminal reply or a deadline" into one blocking call.
//
// Each key (typically a device address) has at most one retrieval in
// flight. The inbound side feeds the retrieval through Append, Finish and
// Abort, usually from the device's frame handler.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBusy is returned by Do when a retrieval is already active for the key.
	ErrBusy = errors.New("correlate: retrieval already in progress")
	// ErrTimeout is returned by Do when the deadline passes before Finish.
	ErrTimeout = errors.New("correlate: retrieval timed out")
	// ErrReleased is the cause passed to Abort when the key's owner goes away.
	ErrReleased = errors.New("correlate: released")
)

// State is the lifecycle of one retrieval.
type State int

const (
	Idle State = iota
	Requested
	Receiving
	Complete
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type op[T any] struct {
	ctx     context.Context
	state   State
	entries []T
	err     error
	done    chan struct{}
}

// Tracker correlates retrievals of T entries keyed by K. The zero value is
// not usable; call New.
type Tracker[K comparable, T any] struct {
	mu  sync.Mutex
	ops map[K]*op[T]
}

// New returns an empty tracker.
func New[K comparable, T any]() *Tracker[K, T] {
	return &Tracker[K, T]{ops: make(map[K]*op[T])}
}

// Do starts a retrieval for key, calls request to send the first request,
// and blocks until Finish, Abort, the timeout, or ctx cancellation. Entries
// are returned in the order they were appended. Partial results are never
// returned: on any failure the collected entries are discarded.
func (t *Tracker[K, T]) Do(ctx context.Context, key K, timeout time.Duration, request func(ctx context.Context) error) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.mu.Lock()
	if _, busy := t.ops[key]; busy {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	o := &op[T]{ctx: ctx, state: Requested, done: make(chan struct{})}
	t.ops[key] = o
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.ops[key] == o {
			delete(t.ops, key)
		}
		t.mu.Unlock()
	}()

	if err := request(ctx); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-o.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if o.err != nil {
			return nil, o.err
		}
		return o.entries, nil
	case <-ctx.Done():
		t.mu.Lock()
		o.state = TimedOut
		o.entries = nil
		t.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Append adds one entry to the active retrieval. It reports false when no
// retrieval is accepting entries for key; the caller must then not issue
// the next chained request.
func (t *Tracker[K, T]) Append(key K, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.ops[key]
	if !ok || (o.state != Requested && o.state != Receiving) {
		return false
	}
	o.entries = append(o.entries, v)
	o.state = Receiving
	return true
}

// Finish completes the active retrieval and wakes the caller.
func (t *Tracker[K, T]) Finish(key K) bool {
	return t.complete(key, nil)
}

// Abort fails the active retrieval with err.
func (t *Tracker[K, T]) Abort(key K, err error) bool {
	return t.complete(key, err)
}

func (t *Tracker[K, T]) complete(key K, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.ops[key]
	if !ok || (o.state != Requested && o.state != Receiving) {
		return false
	}
	o.state = Complete
	o.err = err
	if err != nil {
		o.entries = nil
	}
	close(o.done)
	return true
}

// State returns the state of the retrieval for key, Idle if none.
func (t *Tracker[K, T]) State(key K) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.ops[key]; ok {
		return o.state
	}
	return Idle
}

// Context returns the context of the active retrieval so chained requests
// share its deadline.
func (t *Tracker[K, T]) Context(key K) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.ops[key]; ok {
		return o.ctx, true
	}
	return nil, false
}

// Release aborts any retrieval for key with ErrReleased.
func (t *Tracker[K, T]) Release(key K) {
	t.Abort(key, ErrReleased)
}
