// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riclolsen/go-serialcmd/link/linktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, o *Option) (*Session, chan *linktest.Transport) {
	t.Helper()
	transports := make(chan *linktest.Transport, 8)
	s := NewSession(o.SetReconnectInterval(20*time.Millisecond), func() Codec { return RawCodec{} }).
		SetTransportFactory(func() Transport {
			ft := linktest.NewTransport()
			transports <- ft
			return ft
		})
	s.LogMode(false)
	return s, transports
}

func nextTransport(t *testing.T, ch chan *linktest.Transport) *linktest.Transport {
	t.Helper()
	select {
	case ft := <-ch:
		return ft
	case <-time.After(waitFor):
		require.FailNow(t, "no transport created")
		return nil
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, transports := newTestSession(t, testOption(nil))

	var responses atomic.Int32
	connected := make(chan struct{}, 4)
	lost := make(chan error, 4)
	polled := make(chan Command, 64)
	s.SetStartup(NewSequence(Step{Name: "version", Command: Command{Opcode: 0x5A, ExpectsResponse: true}})).
		SetPollBattery(Command{Opcode: 0x5E}).
		SetResponseHandler(func(Command, []byte) { responses.Add(1) }).
		SetPollResultHandler(func(cmd Command, res Result) {
			if res.OK() {
				select {
				case polled <- cmd:
				default:
				}
			}
		}).
		SetOnConnectHandler(func(*Session) { connected <- struct{}{} }).
		SetConnectionLostHandler(func(_ *Session, err error) { lost <- err })

	assert.ErrorIs(t, waitResult(t, s.Enqueue(Command{Opcode: 0x01})).Err, ErrNotActive)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	ft := nextTransport(t, transports)
	assert.Equal(t, []byte{0x5A}, ft.NextWrite(t))
	assert.False(t, s.IsConnected())
	ft.Inject([]byte{0x04, 0x02})

	select {
	case <-connected:
	case <-time.After(waitFor):
		require.FailNow(t, "not connected")
	}
	assert.True(t, s.IsConnected())
	assert.Equal(t, int32(1), responses.Load())
	assert.NotNil(t, s.Dispatcher())

	select {
	case cmd := <-polled:
		assert.Equal(t, byte(0x5E), cmd.Opcode)
	case <-time.After(waitFor):
		require.FailNow(t, "no poll completed")
	}

	// link failure reconnects and reruns the startup sequence
	ft.Fail(io.ErrUnexpectedEOF)
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(waitFor):
		require.FailNow(t, "connection lost not reported")
	}

	ft2 := nextTransport(t, transports)
	assert.Equal(t, []byte{0x5A}, ft2.NextWrite(t))
	ft2.Inject([]byte{0x04, 0x02})
	select {
	case <-connected:
	case <-time.After(waitFor):
		require.FailNow(t, "not reconnected")
	}

	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
	assert.Nil(t, s.Dispatcher())
	assert.ErrorIs(t, s.Close(), ErrNotActive)
	assert.Equal(t, 1, ft.Closed())
}

func TestSessionStartupFailure(t *testing.T) {
	s, transports := newTestSession(t, testOption(func(c *Config) {
		c.ResponseTimeout = 20 * time.Millisecond
	}).SetAutoReconnect(false))

	lost := make(chan error, 1)
	var connected atomic.Bool
	s.SetStartup(NewSequence(Step{Name: "serial", Command: Command{Opcode: 0x38, ExpectsResponse: true}})).
		SetOnConnectHandler(func(*Session) { connected.Store(true) }).
		SetConnectionLostHandler(func(_ *Session, err error) { lost <- err })
	require.NoError(t, s.Start())
	defer s.Close()

	nextTransport(t, transports)
	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorContains(t, err, "startup")
	case <-time.After(waitFor):
		require.FailNow(t, "startup failure not reported")
	}
	assert.False(t, connected.Load())
	assert.False(t, s.IsConnected())
}

func TestSessionConnectError(t *testing.T) {
	errOpen := errors.New("no such device")
	s := NewSession(testOption(nil).SetAutoReconnect(false), func() Codec { return RawCodec{} }).
		SetTransportFactory(func() Transport {
			ft := linktest.NewTransport()
			ft.SetOpenError(errOpen)
			return ft
		})
	s.LogMode(false)

	failed := make(chan error, 1)
	s.SetConnectErrorHandler(func(_ *Session, err error) { failed <- err })
	require.NoError(t, s.Start())
	defer s.Close()

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, errOpen)
	case <-time.After(waitFor):
		require.FailNow(t, "connect error not reported")
	}
}

func TestSessionStartWhileReconnecting(t *testing.T) {
	var opened atomic.Int32
	s := NewSession(testOption(nil).SetReconnectInterval(10*time.Millisecond), func() Codec { return RawCodec{} }).
		SetTransportFactory(func() Transport {
			opened.Add(1)
			ft := linktest.NewTransport()
			ft.SetOpenError(io.ErrClosedPipe)
			return ft
		})
	s.LogMode(false)
	require.NoError(t, s.Start())
	defer s.Close()

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if s.Start() == nil {
					started.Add(1)
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, started.Load())
	assert.Eventually(t, func() bool { return opened.Load() > 1 }, waitFor, 5*time.Millisecond)
}
