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

// Connection states
const (
	sessionInitial uint32 = iota
	sessionConnecting
	sessionConnected
	sessionDisconnected
)

// Session owns one device link: it opens the transport, runs the startup
// sequence, polls while connected and reconnects after failures.
type Session struct {
	option       Option
	newTransport func() Transport
	newCodec     func() Codec
	startup      *Sequence
	battery      []Command

	connStatus uint32
	rwMux      sync.RWMutex
	dispatcher *Dispatcher
	clog.Clog
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	onConnect        func(s *Session)
	onConnectionLost func(s *Session, err error)
	onConnectError   func(s *Session, err error)
	onResponse       func(cmd Command, payload []byte)
	onPollResult     func(cmd Command, res Result)
}

// NewSession creates a session over a serial transport built from the
// option's serial settings. newCodec is called once per connection.
func NewSession(o *Option, newCodec func() Codec) *Session {
	if o == nil {
		o = NewOption()
	}
	opt := *o
	s := &Session{
		option:           opt,
		newCodec:         newCodec,
		Clog:             clog.NewLogger(fmt.Sprintf("session [%s] => ", opt.config.Serial.Address)),
		onConnect:        func(*Session) {},
		onConnectionLost: func(*Session, error) {},
		onConnectError:   func(*Session, error) {},
		onResponse:       func(Command, []byte) {},
		onPollResult:     func(Command, Result) {},
	}
	s.newTransport = func() Transport {
		return NewSerialTransport(s.option.config.Serial)
	}
	s.Clog.LogMode(true)
	return s
}

// SetTransportFactory replaces the serial transport, e.g. for a TCP bridge or tests.
func (sf *Session) SetTransportFactory(f func() Transport) *Session {
	if f != nil {
		sf.newTransport = f
	}
	return sf
}

// SetStartup sets the sequence run after every connect. The session is
// reported connected only when it succeeds.
func (sf *Session) SetStartup(seq *Sequence) *Session {
	sf.startup = seq
	return sf
}

// SetPollBattery sets the commands enqueued on every poll cycle.
func (sf *Session) SetPollBattery(cmds ...Command) *Session {
	sf.battery = cmds
	return sf
}

// SetResponseHandler sets the handler called with every successful response.
func (sf *Session) SetResponseHandler(f func(cmd Command, payload []byte)) *Session {
	if f != nil {
		sf.onResponse = f
	}
	return sf
}

// SetPollResultHandler sets the handler called with the outcome of every poll.
func (sf *Session) SetPollResultHandler(f func(cmd Command, res Result)) *Session {
	if f != nil {
		sf.onPollResult = f
	}
	return sf
}

// SetOnConnectHandler sets the handler called once the startup sequence succeeded.
func (sf *Session) SetOnConnectHandler(f func(s *Session)) *Session {
	if f != nil {
		sf.onConnect = f
	}
	return sf
}

// SetConnectionLostHandler sets the handler called when an established connection ends.
func (sf *Session) SetConnectionLostHandler(f func(s *Session, err error)) *Session {
	if f != nil {
		sf.onConnectionLost = f
	}
	return sf
}

// SetConnectErrorHandler sets the handler called when opening the port fails.
func (sf *Session) SetConnectErrorHandler(f func(s *Session, err error)) *Session {
	if f != nil {
		sf.onConnectError = f
	}
	return sf
}

// Start initiates the connection process in the background.
func (sf *Session) Start() error {
	if !atomic.CompareAndSwapUint32(&sf.connStatus, sessionInitial, sessionConnecting) {
		return errors.New("session already started or starting")
	}
	sf.rwMux.Lock()
	sf.ctx, sf.cancel = context.WithCancel(context.Background())
	sf.rwMux.Unlock()

	sf.wg.Add(1)
	go sf.connectionManager()
	return nil
}

// Close stops the session and closes the link.
func (sf *Session) Close() error {
	sf.rwMux.Lock()
	if sf.cancel == nil {
		sf.rwMux.Unlock()
		return ErrNotActive
	}
	cancel := sf.cancel
	sf.cancel = nil
	sf.rwMux.Unlock()

	cancel()
	sf.wg.Wait()
	return nil
}

// IsConnected reports whether the link is up and the startup sequence succeeded.
func (sf *Session) IsConnected() bool {
	return atomic.LoadUint32(&sf.connStatus) == sessionConnected
}

func (sf *Session) setConnectStatus(status uint32) {
	atomic.StoreUint32(&sf.connStatus, status)
}

// Dispatcher returns the dispatcher of the current connection, or nil.
func (sf *Session) Dispatcher() *Dispatcher {
	sf.rwMux.RLock()
	defer sf.rwMux.RUnlock()
	return sf.dispatcher
}

// Enqueue queues cmd on the current connection. Without one, the returned
// request has already failed with ErrNotActive.
func (sf *Session) Enqueue(cmd Command) *Request {
	if d := sf.Dispatcher(); d != nil {
		return d.Enqueue(cmd)
	}
	r := newRequest(cmd)
	r.resolve(StateFailed, nil, ErrNotActive)
	return r
}

// EnqueueAll queues cmds back to back on the current connection.
func (sf *Session) EnqueueAll(cmds ...Command) []*Request {
	if d := sf.Dispatcher(); d != nil {
		return d.EnqueueAll(cmds...)
	}
	reqs := make([]*Request, len(cmds))
	for i, cmd := range cmds {
		reqs[i] = newRequest(cmd)
		reqs[i].resolve(StateFailed, nil, ErrNotActive)
	}
	return reqs
}

// connectionManager handles the connection lifecycle and reconnection.
func (sf *Session) connectionManager() {
	sf.Debug("Connection manager started")
	defer func() {
		sf.setConnectStatus(sessionInitial)
		sf.wg.Done()
		sf.Debug("Connection manager stopped")
	}()

	for {
		select {
		case <-sf.ctx.Done():
			return
		default:
		}

		sf.setConnectStatus(sessionConnecting)
		t := sf.newTransport()
		if err := t.Open(); err != nil {
			sf.Error("Failed to open link: %v", err)
			sf.setConnectStatus(sessionDisconnected)
			sf.onConnectError(sf, err)
		} else {
			err = sf.runConnection(t)
			_ = t.Close()
			sf.setConnectStatus(sessionDisconnected)
			if err != nil {
				sf.Warn("Connection ended with error: %v", err)
			} else {
				sf.Debug("Connection ended gracefully.")
			}
			sf.onConnectionLost(sf, err)
		}

		select {
		case <-sf.ctx.Done():
			return
		default:
		}
		if !sf.option.autoReconnect {
			sf.Debug("Auto-reconnect disabled, stopping.")
			return
		}
		sf.Debug("Waiting %.1fs before attempting reconnection...", sf.option.reconnectInterval.Seconds())
		select {
		case <-time.After(sf.option.reconnectInterval):
		case <-sf.ctx.Done():
			return
		}
	}
}

// runConnection drives one open transport until the link fails or the
// session is closed. A nil return means the session was closed.
func (sf *Session) runConnection(t Transport) error {
	lost := make(chan error, 1)
	d := NewDispatcher(t, sf.newCodec(), &sf.option)
	d.SetResponseHandler(sf.onResponse)
	d.SetLinkLostHandler(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})
	if err := d.Start(); err != nil {
		return err
	}

	sf.rwMux.Lock()
	sf.dispatcher = d
	sf.rwMux.Unlock()

	connCtx, connCancel := context.WithCancel(sf.ctx)
	var wg sync.WaitGroup
	defer func() {
		connCancel()
		wg.Wait()
		sf.rwMux.Lock()
		sf.dispatcher = nil
		sf.rwMux.Unlock()
		_ = d.Close()
	}()

	if sf.startup != nil {
		if err := sf.startup.Run(connCtx, d); err != nil {
			if sf.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("startup: %w", err)
		}
	}

	sf.setConnectStatus(sessionConnected)
	sf.Info("Link %s connected", sf.option.config.Serial.Address)
	sf.onConnect(sf)

	if len(sf.battery) > 0 {
		poller := NewPoller(d, sf.option.config, sf.battery...).SetResultHandler(sf.onPollResult)
		wg.Add(1)
		go poller.Run(connCtx, wg.Done)
	}

	select {
	case <-sf.ctx.Done():
		return nil
	case err := <-lost:
		return err
	}
}
