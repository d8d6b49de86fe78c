// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riclolsen/go-serialcmd/clog"
)

// Dispatcher states
const (
	statusInitial uint32 = iota
	statusActive
	statusClosed
)

// Dispatcher serializes commands onto one Transport and correlates responses
// with the single in-flight request. Queue, in-flight slot, deadline and
// decoder are owned by one goroutine (run), so at most one request is ever
// in flight and at most one deadline is ever armed.
type Dispatcher struct {
	cfg       Config
	transport Transport
	codec     Codec
	observer  Observer
	clog.Clog

	// inbox holds requests enqueued since the loop last looked; depth counts
	// inbox plus queue and backs the poll threshold.
	mu     sync.Mutex
	inbox  []*Request
	depth  int
	closed bool
	wake   chan struct{}

	rx      chan []byte
	linkErr chan error

	// owned by run
	queue      commandQueue
	inFlight   *Request
	partial    []byte
	ackPending bool
	timer      *time.Timer

	inFlightCount int32
	status        uint32

	onResponse func(cmd Command, payload []byte)
	onLinkLost func(err error)

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewDispatcher creates a dispatcher writing to t with the given codec.
// The transport is expected to be opened by the caller.
func NewDispatcher(t Transport, codec Codec, o *Option) *Dispatcher {
	if o == nil {
		o = NewOption()
	}
	cfg := o.config
	if err := cfg.Valid(); err != nil {
		cfg = DefaultConfig()
	}
	obs := o.observer
	if obs == nil {
		obs = nopObserver{}
	}
	d := &Dispatcher{
		cfg:        cfg,
		transport:  t,
		codec:      codec,
		observer:   obs,
		Clog:       clog.NewLogger(fmt.Sprintf("link [%s] => ", cfg.Serial.Address)),
		wake:       make(chan struct{}, 1),
		rx:         make(chan []byte, 16),
		linkErr:    make(chan error, 1),
		loopDone:   make(chan struct{}),
		onResponse: func(Command, []byte) {},
		onLinkLost: func(error) {},
	}
	if l, ok := codec.(payloadLimiter); ok {
		l.SetMaxPayload(cfg.MaxPayloadLen)
	}
	d.Clog.LogMode(true)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// payloadLimiter is implemented by codecs whose decoder bounds the payload length.
type payloadLimiter interface {
	SetMaxPayload(n int)
}

// SetResponseHandler sets the handler called with every successful response
// before the request itself resolves. It runs on the dispatcher goroutine.
func (sf *Dispatcher) SetResponseHandler(f func(cmd Command, payload []byte)) *Dispatcher {
	if f != nil {
		sf.onResponse = f
	}
	return sf
}

// SetLinkLostHandler sets the handler called when the transport reports an
// error or a write fails. It runs on the dispatcher goroutine after all
// pending requests have failed.
func (sf *Dispatcher) SetLinkLostHandler(f func(err error)) *Dispatcher {
	if f != nil {
		sf.onLinkLost = f
	}
	return sf
}

// Start hooks into the transport and starts the event loop.
func (sf *Dispatcher) Start() error {
	if !atomic.CompareAndSwapUint32(&sf.status, statusInitial, statusActive) {
		return errors.New("dispatcher already started or closed")
	}
	sf.timer = time.NewTimer(time.Hour)
	sf.disarm()

	sf.transport.SetReceiveHandler(func(data []byte) {
		select {
		case sf.rx <- data:
		case <-sf.ctx.Done():
		}
	})
	sf.transport.SetErrorHandler(func(err error) {
		select {
		case sf.linkErr <- err:
		default:
		}
	})
	go sf.run()
	sf.signal()
	return nil
}

// Close fails every pending request with ErrDisconnected and stops the loop.
// It must not be called from a completion callback.
func (sf *Dispatcher) Close() error {
	if atomic.CompareAndSwapUint32(&sf.status, statusInitial, statusClosed) {
		sf.cancel()
		close(sf.loopDone)
		sf.failAll(nil)
		return nil
	}
	if !atomic.CompareAndSwapUint32(&sf.status, statusActive, statusClosed) {
		<-sf.loopDone
		return ErrUseClosedConnection
	}
	sf.cancel()
	<-sf.loopDone
	return nil
}

// Done is closed once the event loop has stopped.
func (sf *Dispatcher) Done() <-chan struct{} {
	return sf.loopDone
}

// IsActive reports whether the loop is running.
func (sf *Dispatcher) IsActive() bool {
	return atomic.LoadUint32(&sf.status) == statusActive
}

// Enqueue queues cmd and returns its request handle. It never blocks. On a
// closed dispatcher, or when the queue is at MaxQueueSize, the returned
// request has already failed.
func (sf *Dispatcher) Enqueue(cmd Command) *Request {
	r := newRequest(cmd)
	sf.mu.Lock()
	err := sf.admit(1)
	if err == nil {
		sf.push(r)
	}
	sf.mu.Unlock()

	if err != nil {
		sf.reject(r, err)
		return r
	}
	sf.signal()
	return r
}

// EnqueueAll queues cmds back to back so nothing enqueued concurrently can
// land between them within a band. Either all are queued or all fail.
func (sf *Dispatcher) EnqueueAll(cmds ...Command) []*Request {
	reqs := make([]*Request, len(cmds))
	for i, cmd := range cmds {
		reqs[i] = newRequest(cmd)
	}
	sf.mu.Lock()
	err := sf.admit(len(reqs))
	if err == nil {
		for _, r := range reqs {
			sf.push(r)
		}
	}
	sf.mu.Unlock()

	if err != nil {
		for _, r := range reqs {
			sf.reject(r, err)
		}
		return reqs
	}
	sf.signal()
	return reqs
}

// EnqueueIfBelow queues all commands only when the queue depth does not
// exceed threshold. Otherwise it queues nothing and returns ErrQueueBusy, or
// the error Enqueue would have failed the requests with.
func (sf *Dispatcher) EnqueueIfBelow(threshold int, cmds ...Command) ([]*Request, error) {
	reqs := make([]*Request, len(cmds))
	sf.mu.Lock()
	if err := sf.admit(len(cmds)); err != nil {
		sf.mu.Unlock()
		return nil, err
	}
	if sf.depth > threshold {
		sf.mu.Unlock()
		return nil, ErrQueueBusy
	}
	for i, cmd := range cmds {
		reqs[i] = newRequest(cmd)
		sf.push(reqs[i])
	}
	sf.mu.Unlock()
	sf.signal()
	return reqs, nil
}

// Depth returns the number of queued requests, the in-flight one excluded.
func (sf *Dispatcher) Depth() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.depth
}

// InFlight returns the number of requests on the wire, 0 or 1.
func (sf *Dispatcher) InFlight() int {
	return int(atomic.LoadInt32(&sf.inFlightCount))
}

// admit must be called with mu held.
func (sf *Dispatcher) admit(n int) error {
	if sf.closed {
		return ErrDisconnected
	}
	if sf.cfg.MaxQueueSize > 0 && sf.depth+n > sf.cfg.MaxQueueSize {
		return ErrQueueFull
	}
	return nil
}

// push must be called with mu held.
func (sf *Dispatcher) push(r *Request) {
	sf.inbox = append(sf.inbox, r)
	sf.depth++
	sf.observer.RequestEnqueued(r.cmd)
	sf.observer.QueueDepth(sf.depth)
}

func (sf *Dispatcher) reject(r *Request, err error) {
	if errors.Is(err, ErrQueueFull) {
		sf.Warn("Queue full, rejecting %s", r.cmd)
	}
	if r.resolve(StateFailed, nil, err) {
		sf.observer.RequestFinished(r.cmd, StateFailed, 0)
	}
}

func (sf *Dispatcher) signal() {
	select {
	case sf.wake <- struct{}{}:
	default:
	}
}

// run is the event loop. Every state change of the queue happens here.
func (sf *Dispatcher) run() {
	sf.Debug("dispatcher loop started")
	defer func() {
		close(sf.loopDone)
		sf.Debug("dispatcher loop stopped")
	}()

	for {
		var err error
		if sf.ackPending {
			// A request without response completes on the next iteration,
			// after anything already waiting has been handled.
			select {
			case <-sf.ctx.Done():
				sf.teardown(nil)
				return
			case err = <-sf.linkErr:
			case data := <-sf.rx:
				sf.handleBytes(data)
			default:
				sf.finish(StateCompleted, nil, nil)
			}
		} else {
			select {
			case <-sf.ctx.Done():
				sf.teardown(nil)
				return
			case err = <-sf.linkErr:
			case <-sf.wake:
				sf.takeInbox()
			case data := <-sf.rx:
				sf.handleBytes(data)
			case <-sf.timer.C:
				sf.onTimeout()
			}
		}
		if err == nil {
			err = sf.tryDispatchNext()
		}
		if err != nil {
			sf.Error("Link lost: %v", err)
			atomic.StoreUint32(&sf.status, statusClosed)
			sf.cancel()
			sf.teardown(err)
			return
		}
	}
}

func (sf *Dispatcher) takeInbox() {
	sf.mu.Lock()
	inbox := sf.inbox
	sf.inbox = nil
	sf.mu.Unlock()
	for _, r := range inbox {
		sf.queue.push(r)
	}
}

// tryDispatchNext writes the next queued request when the slot is free.
func (sf *Dispatcher) tryDispatchNext() error {
	if sf.inFlight != nil {
		return nil
	}
	sf.takeInbox()
	for {
		sf.mu.Lock()
		r := sf.queue.pop()
		if r != nil {
			sf.depth--
			sf.observer.QueueDepth(sf.depth)
		}
		sf.mu.Unlock()
		if r == nil {
			return nil
		}
		if !r.markInFlight() {
			continue
		}

		data, err := sf.encode(r.cmd)
		if err != nil {
			sf.Error("Failed to encode %s: %v", r.cmd, err)
			sf.inFlight = r
			atomic.StoreInt32(&sf.inFlightCount, 1)
			sf.finish(StateFailed, nil, fmt.Errorf("%w: %w", ErrMalformed, err))
			continue
		}

		sf.inFlight = r
		atomic.StoreInt32(&sf.inFlightCount, 1)
		sf.Debug("--> [% X] %s id=%s", data, r.cmd, r.id)
		if _, err = sf.transport.Write(data); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if r.cmd.ExpectsResponse {
			sf.timer.Reset(sf.cfg.ResponseTimeout)
		} else {
			sf.ackPending = true
		}
		return nil
	}
}

func (sf *Dispatcher) encode(cmd Command) ([]byte, error) {
	if len(cmd.Payload) > sf.cfg.MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload %d > %d", ErrFrameLenExceeded, len(cmd.Payload), sf.cfg.MaxPayloadLen)
	}
	return sf.codec.Encode(cmd)
}

func (sf *Dispatcher) handleBytes(data []byte) {
	sf.Debug("<-- [% X]", data)
	frames, malformed := sf.codec.Decode(data)
	if malformed > 0 {
		sf.Warn("Discarded %d corrupt frame candidate(s)", malformed)
		sf.observer.MalformedFrames(malformed)
	}
	for _, f := range frames {
		sf.onPacketDecoded(f)
	}
}

// onPacketDecoded correlates a decoded frame with the in-flight request.
func (sf *Dispatcher) onPacketDecoded(f Frame) {
	r := sf.inFlight
	if r == nil || !r.cmd.ExpectsResponse {
		sf.Warn("Unexpected data received %s", f)
		sf.observer.UnexpectedData(len(f.Payload))
		return
	}
	if f.Framed && f.Opcode != r.cmd.Opcode {
		sf.Warn("Response opcode 0x%02X does not match %s", f.Opcode, r.cmd)
		sf.finish(StateFailed, nil, fmt.Errorf("%w: opcode 0x%02X", ErrMalformed, f.Opcode))
		return
	}

	payload := f.Payload
	if want := r.cmd.ResponseLen; want > 0 {
		sf.partial = append(sf.partial, payload...)
		if len(sf.partial) < want {
			return
		}
		if len(sf.partial) > want {
			sf.finish(StateFailed, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, want, len(sf.partial)))
			return
		}
		payload = sf.partial
	}
	sf.finish(StateCompleted, payload, nil)
}

// onTimeout fails the in-flight request after its deadline.
func (sf *Dispatcher) onTimeout() {
	r := sf.inFlight
	if r == nil || !r.cmd.ExpectsResponse {
		return
	}
	sf.Warn("Timeout waiting for response to %s id=%s", r.cmd, r.id)
	// a partial frame of the timed-out response never completes
	sf.codec.Reset()
	sf.finish(StateTimedOut, nil, ErrTimeout)
}

// finish resolves the in-flight request and frees the slot.
func (sf *Dispatcher) finish(state State, payload []byte, err error) {
	r := sf.inFlight
	if r == nil {
		return
	}
	sf.disarm()
	sf.inFlight = nil
	sf.partial = nil
	sf.ackPending = false
	atomic.StoreInt32(&sf.inFlightCount, 0)

	if state == StateCompleted && r.cmd.ExpectsResponse {
		sf.onResponse(r.cmd, payload)
	}
	elapsed := r.elapsed()
	if r.resolve(state, payload, err) {
		sf.observer.RequestFinished(r.cmd, state, elapsed)
	}
}

func (sf *Dispatcher) disarm() {
	if !sf.timer.Stop() {
		select {
		case <-sf.timer.C:
		default:
		}
	}
}

// teardown fails the in-flight request and everything queued. A non-nil
// cause is reported to the link lost handler.
func (sf *Dispatcher) teardown(cause error) {
	sf.disarm()
	fail := ErrDisconnected
	if cause != nil {
		fail = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	}
	if r := sf.inFlight; r != nil {
		sf.inFlight = nil
		sf.partial = nil
		sf.ackPending = false
		atomic.StoreInt32(&sf.inFlightCount, 0)
		if r.resolve(StateFailed, nil, fail) {
			sf.observer.RequestFinished(r.cmd, StateFailed, r.elapsed())
		}
	}
	sf.takeInbox()
	for _, r := range sf.queue.drain() {
		if r.resolve(StateFailed, nil, fail) {
			sf.observer.RequestFinished(r.cmd, StateFailed, 0)
		}
	}
	sf.failAll(fail)
	sf.codec.Reset()
	if cause != nil {
		sf.onLinkLost(cause)
	}
}

// failAll closes the inbox and fails whatever is still in it.
func (sf *Dispatcher) failAll(fail error) {
	if fail == nil {
		fail = ErrDisconnected
	}
	sf.mu.Lock()
	sf.closed = true
	inbox := sf.inbox
	sf.inbox = nil
	sf.depth = 0
	sf.mu.Unlock()
	sf.observer.QueueDepth(0)
	for _, r := range inbox {
		if r.resolve(StateFailed, nil, fail) {
			sf.observer.RequestFinished(r.cmd, StateFailed, 0)
		}
	}
}
