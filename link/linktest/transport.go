// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package linktest provides an in-memory link transport for tests.
package linktest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WaitTimeout bounds every wait in this package.
const WaitTimeout = 2 * time.Second

// Transport records writes and lets tests inject received bytes and errors.
// It satisfies link.Transport.
type Transport struct {
	mu       sync.Mutex
	onRecv   func([]byte)
	onErr    func(error)
	openErr  error
	writeErr error
	opened   int
	closed   int
	writes   [][]byte
	reply    func(req []byte) []byte
	written  chan []byte
}

// NewTransport creates a transport that accepts every write.
func NewTransport() *Transport {
	return &Transport{
		onRecv:  func([]byte) {},
		onErr:   func(error) {},
		written: make(chan []byte, 256),
	}
}

// Open counts the call and returns the error set by SetOpenError.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return t.openErr
	}
	t.opened++
	return nil
}

// Close counts the call.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

// Write records p. When a responder is installed its reply is injected
// asynchronously.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	data := append([]byte(nil), p...)
	t.writes = append(t.writes, data)
	reply := t.reply
	t.mu.Unlock()

	select {
	case t.written <- data:
	default:
	}
	if reply != nil {
		if resp := reply(data); resp != nil {
			go t.Inject(resp)
		}
	}
	return len(p), nil
}

// SetReceiveHandler implements link.Transport.
func (t *Transport) SetReceiveHandler(h func([]byte)) {
	t.mu.Lock()
	t.onRecv = h
	t.mu.Unlock()
}

// SetErrorHandler implements link.Transport.
func (t *Transport) SetErrorHandler(h func(error)) {
	t.mu.Lock()
	t.onErr = h
	t.mu.Unlock()
}

// SetOpenError makes the next Open calls fail.
func (t *Transport) SetOpenError(err error) {
	t.mu.Lock()
	t.openErr = err
	t.mu.Unlock()
}

// SetWriteError makes the next Write calls fail.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// Respond installs f to answer writes. A nil reply sends nothing.
func (t *Transport) Respond(f func(req []byte) []byte) {
	t.mu.Lock()
	t.reply = f
	t.mu.Unlock()
}

// Inject delivers data as if it had been received.
func (t *Transport) Inject(data []byte) {
	t.mu.Lock()
	h := t.onRecv
	t.mu.Unlock()
	h(data)
}

// Fail reports err as a transport failure.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	h := t.onErr
	t.mu.Unlock()
	h(err)
}

// Opened returns the number of successful Open calls.
func (t *Transport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Closed returns the number of Close calls.
func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Writes returns a copy of everything written so far.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

// NextWrite waits for the next write.
func (t *Transport) NextWrite(tb testing.TB) []byte {
	tb.Helper()
	select {
	case w := <-t.written:
		return w
	case <-time.After(WaitTimeout):
		require.FailNow(tb, "no write on transport")
		return nil
	}
}

// NoWrite asserts that nothing is written for d.
func (t *Transport) NoWrite(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case w := <-t.written:
		require.FailNowf(tb, "unexpected write", "% X", w)
	case <-time.After(d):
	}
}
