// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Request.
type State uint8

// Request states
const (
	StateQueued State = iota
	StateInFlight
	StateCompleted
	StateFailed
	StateTimedOut
)

var stateNames = map[State]string{
	StateQueued:    "queued",
	StateInFlight:  "in-flight",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateTimedOut:  "timed-out",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Request is the handle of an enqueued command. It is shared between the
// caller and the dispatcher and resolves exactly once.
type Request struct {
	id  uuid.UUID
	cmd Command

	mu         sync.Mutex
	state      State
	result     Result
	callbacks  []func(Result)
	done       chan struct{}
	enqueued   time.Time
	dispatched time.Time
}

func newRequest(cmd Command) *Request {
	return &Request{
		id:       uuid.New(),
		cmd:      cmd.clone(),
		state:    StateQueued,
		done:     make(chan struct{}),
		enqueued: time.Now(),
	}
}

// ID returns the correlation id used in log messages.
func (r *Request) ID() uuid.UUID {
	return r.id
}

// Command returns the command carried by the request.
func (r *Request) Command() Command {
	return r.cmd
}

// State returns the current state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the request has resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome and whether the request has resolved.
func (r *Request) Result() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.state.Terminal()
}

// Wait blocks until the request resolves or ctx is done.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		res, _ := r.Result()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// OnComplete registers f to run once with the outcome. When the request has
// already resolved, f runs immediately on the calling goroutine; otherwise it
// runs on the goroutine that resolves the request.
func (r *Request) OnComplete(f func(Result)) {
	if f == nil {
		return
	}
	r.mu.Lock()
	if r.state.Terminal() {
		res := r.result
		r.mu.Unlock()
		f(res)
		return
	}
	r.callbacks = append(r.callbacks, f)
	r.mu.Unlock()
}

// markInFlight moves a queued request to in-flight. It fails for any other state.
func (r *Request) markInFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateQueued {
		return false
	}
	r.state = StateInFlight
	r.dispatched = time.Now()
	return true
}

// resolve moves the request to a terminal state. Only in-flight requests may
// complete or time out; a queued request may only fail. A second resolution
// is ignored and reported as false.
func (r *Request) resolve(state State, payload []byte, err error) bool {
	r.mu.Lock()
	switch {
	case r.state == StateInFlight && state.Terminal():
	case r.state == StateQueued && state == StateFailed:
	default:
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.result = Result{Payload: payload, Err: err}
	cbs := r.callbacks
	r.callbacks = nil
	res := r.result
	close(r.done)
	r.mu.Unlock()

	for _, f := range cbs {
		f(res)
	}
	return true
}

// elapsed returns the time spent on the wire, or in the queue if never dispatched.
func (r *Request) elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatched.IsZero() {
		return time.Since(r.enqueued)
	}
	return time.Since(r.dispatched)
}
